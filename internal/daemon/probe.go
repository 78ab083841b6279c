package daemon

import (
	"context"

	"github.com/fieldrep/fieldsync/internal/attachment"
	"github.com/fieldrep/fieldsync/internal/remote"
)

// HealthProbe checks the /health endpoint of the active session's server.
// Without a session the server counts as unreachable.
type HealthProbe struct {
	Client   *remote.Client
	Sessions attachment.SessionSource
}

// Probe implements Prober.
func (h HealthProbe) Probe(ctx context.Context) error {
	sess, err := h.Sessions.Validate(ctx)
	if err != nil {
		return err
	}
	return h.Client.For(sess.Endpoint).Health(ctx)
}

// FixedLocator returns a Locator that always reports the same position.
func FixedLocator(lat, lon float64) Locator {
	return func(context.Context) (float64, float64, error) {
		return lat, lon, nil
	}
}
