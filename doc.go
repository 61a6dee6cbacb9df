// Package aptitude is the authentication and session core of the aptitude
// testing platform.
//
// Two stores sit underneath everything:
//
// SessionStore: the auth provider as seen by one client.  It signs identities in
// and out and notifies subscribers when the current identity changes.  The local
// package provides one backed by bcrypt hashed credentials and signed identity tokens.
//
// DocumentStore: a document database keyed by (collection, id).  Profiles live in
// the "profiles" collection under the identity id and test attempts in
// "testAttempts".  The stores/fs, stores/gorm and stores/gae packages implement it.
//
// # Session state
//
// A Core joins the two.  Each identity change triggers a resolution pass that
// fetches the identity's profile and publishes a SessionState:
//
//	(nil, nil, Ready)            signed out
//	(identity, nil, Ready)       signed in, profile missing or unreadable
//	(identity, profile, Ready)   signed in with a profile
//
// Until the first pass completes the state is Loading.  Passes are numbered and
// only the latest one may publish, however the fetches interleave.
//
//	core := aptitude.NewCore(sessions, profiles).Start()
//	defer core.Close()
//	<-core.Ready()
//	if err := core.Login(ctx, email, password); err != nil {
//	    ...
//	}
//
// # Routing
//
// Guard and RootDecision are pure functions of a SessionState.  GuardMiddleware
// applies them to net/http handlers and the grpc package to gRPC servers.
//
// # Roster
//
// Roster is the admin view of student profiles with statistics derived from
// their test attempts.
package aptitude
