package register

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/drawbridge-io/chatbroker/internal/errs"
)

// stubRepo is a canned Repository used to drive Dispatcher.Handle through
// every response-code branch without touching a flat file.
type stubRepo struct {
	registerErr error
	lookupEmail string
	lookupErr   error
}

func (s *stubRepo) Register(username, email string) error { return s.registerErr }
func (s *stubRepo) Lookup(username string) (string, error) { return s.lookupEmail, s.lookupErr }

func TestDispatcherRegisterResponseCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"success", nil, "200 OK"},
		{"invalid", errs.ErrInvalidArgument, "406 Not Acceptable"},
		{"conflict", errs.ErrAlreadyDefined, "409 Conflict"},
		{"overloaded", ErrOverloaded, "405 Overloaded"},
		{"unavailable", ErrUnavailable, "503 Service unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := NewDispatcher(&stubRepo{registerErr: tc.err})
			got := d.Handle("REGISTER username=John; email=john@a.com")
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDispatcherGetResponseCodes(t *testing.T) {
	d := NewDispatcher(&stubRepo{lookupEmail: "john@a.com"})
	require.Equal(t, "200 OK email=john@a.com", d.Handle("GET username=John"))

	d = NewDispatcher(&stubRepo{lookupErr: errs.ErrNotFound})
	require.Equal(t, "404 Not Found", d.Handle("GET username=John"))
}

func TestDispatcherMalformedRequestIsBadRequest(t *testing.T) {
	d := NewDispatcher(&stubRepo{})
	require.Equal(t, "400 Bad request", d.Handle("NOTACOMMAND foo=bar"))
}

// TestScenarioRegisterThenGet reproduces spec.md §8 scenarios 5 and 6
// end-to-end against the real FileRepository: REGISTER succeeds once,
// conflicts the second time, and GET returns the stored email.
func TestScenarioRegisterThenGet(t *testing.T) {
	repo := newTestRepo(t)
	d := NewDispatcher(repo)

	require.Equal(t, "200 OK", d.Handle("REGISTER username=John;email=john@a.com"))
	require.Equal(t, "409 Conflict", d.Handle("REGISTER username=John;email=john@a.com"))
	require.Equal(t, "200 OK email=john@a.com", d.Handle("GET username=John"))
}

func TestDispatcherHandlesUnexpectedRepositoryError(t *testing.T) {
	d := NewDispatcher(&stubRepo{registerErr: errors.New("boom")})
	require.Equal(t, "503 Service unavailable", d.Handle("REGISTER username=John; email=john@a.com"))
}
