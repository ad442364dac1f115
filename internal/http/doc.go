// Package http provides HTTP handlers and middleware for the allocation API.
//
// Every route except GET /healthz requires an API token sent as
// "Authorization: Bearer <principal>.<secret>" (or the X-API-Token header).
// The router exposes the following endpoints:
//   - POST /requests, GET /requests/{id}, GET /requests/{id}/matches,
//     POST /requests/{id}/confirm, POST /requests/{id}/cancel: allocation
//     requests exchanging the `submitRequest`, `confirmRequest` and
//     `allocationResponse` payloads defined in request_handler.go. Responses
//     carry the request state and the ranked candidates with their score
//     breakdowns.
//   - GET /resources, POST /resources, GET /resources/{id}, PUT /resources/{id},
//     POST /resources/{id}/deactivate: the resource catalog exchanging the
//     `resourceDTO` payload defined in resource_handler.go. Mutations require
//     admin privileges.
//   - GET /resources/{id}/availability?from=&to=: free and booked sub-windows.
//   - GET /bookings, POST /bookings, GET /bookings/{id}, POST
//     /bookings/{id}/cancel|approve|reject: direct bookings, optionally
//     recurring, defined in booking_handler.go.
//   - POST /waitlist, GET /waitlist/{id}, DELETE /waitlist/{id}, POST
//     /waitlist/{id}/claim: waitlist entries and offer claims defined in
//     waitlist_handler.go.
//   - GET /audit?request_id=&resource_id=&requester_id=&limit=: the decision log.
//
// Durations are Go duration strings ("1h30m") and instants are RFC 3339.
// Errors use the `errorResponse` payload from responder.go with localized
// messages; booking conflicts list the colliding windows.
package http
