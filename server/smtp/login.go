package smtp

import "github.com/emersion/go-sasl"

// loginServer implements the server side of the obsolete but widely
// deployed LOGIN mechanism: two challenges, username then password.
// go-sasl only ships the client half, so the server half lives here.
type loginServer struct {
	state        int
	username     string
	authenticate func(username, password string) error
}

func newLoginServer(authenticate func(username, password string) error) sasl.Server {
	return &loginServer{authenticate: authenticate}
}

func (s *loginServer) Next(response []byte) ([]byte, bool, error) {
	defer func() { s.state++ }()
	switch s.state {
	case 0:
		// The optional initial response is ignored; clients that send
		// one still answer the username challenge.
		return []byte("Username:"), false, nil
	case 1:
		s.username = string(response)
		return []byte("Password:"), false, nil
	case 2:
		return nil, true, s.authenticate(s.username, string(response))
	}
	return nil, false, sasl.ErrUnexpectedClientResponse
}
