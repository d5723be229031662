package client

// Session is the Session entity from spec.md §3: everything that identifies
// one connection and is fixed for its whole lifetime.
type Session struct {
	ClientID         ClientActorID
	Config           ClientConfig
	DatabaseIdentity string
}
