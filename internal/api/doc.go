// Package api holds the JSON wire types shared by the proctord server and
// the proctorctl client, plus the small HTTP helpers the client uses.
//
// # Conventions
//
// Every route lives under /api/v1. Successful responses are 2xx with a
// service-specific body. Failed responses carry an ErrorResponse:
//
//	{"status":"error","error":"NotHolder","message":"NotHolder: s2 does not hold the section"}
//
// The error field is a fault.Kind and the status code comes from
// fault.HTTPStatus, so 4xx means the caller sent something the current
// state cannot accept and 5xx means the server cannot serve it right now
// (for example every replica of a chunk is offline).
//
// # Client helpers
//
// PostJSON and GetJSON use a shared client with a 5 second timeout. On a
// non-2xx response they return a *StatusError that unwraps to the server's
// fault kind:
//
//	err := api.PostJSON(ctx, base+"/mutex/release", api.MutexReleaseRequest{StudentID: "s2"}, nil)
//	if errors.Is(err, fault.ErrNotHolder) {
//	    // someone else holds the section
//	}
package api
