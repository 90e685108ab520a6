// Package value tracks guest values held on the host side.
//
// A Handle wraps a guest ref together with its liveness contract:
//
//   - Unrooted handles come from primitive boxing and field/array reads.
//     They are valid only until the next point the collector might run:
//     in practice, the next guest-allocating call. Consume them
//     immediately or promote them with Root.
//
//   - Rooted handles tell the collector the value is reachable until the
//     handle is released. Guest object construction returns rooted
//     handles automatically.
//
// Release a handle exactly once. Releasing a rooted handle removes the
// root, making the object collectible once otherwise unreachable; it
// does not free memory synchronously. Double release is detected and
// reported as a released error, a debugging aid the API contract
// permits but does not require.
//
// A Table tracks every live handle a session has produced so teardown
// can release leaked roots instead of pinning guest memory forever.
package value
