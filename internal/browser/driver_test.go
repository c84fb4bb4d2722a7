package browser

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxcraft/vox-cli/api/schemas"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{"deadline is transient", context.DeadlineExceeded, true, false},
		{"node not found is permanent", errors.New("could not find node matching #x"), false, true},
		{"selector wait is permanent", errors.New("timed out waiting for selector"), false, true},
		{"dns failure is permanent", errors.New("page load error net::ERR_NAME_NOT_RESOLVED"), false, true},
		{"cert failure is permanent", errors.New("page load error net::ERR_CERT_AUTHORITY_INVALID"), false, true},
		{"connection reset is transient", errors.New("net::ERR_CONNECTION_RESET"), true, false},
		{"websocket drop is transient", errors.New("websocket url read error"), true, false},
		{"unknown is permanent", errors.New("something unexpected"), false, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classify("click", tc.err)
			require.Error(t, got)

			var transient *schemas.TransientExecutionError
			var permanent *schemas.PermanentExecutionError
			assert.Equal(t, tc.wantTransient, errors.As(got, &transient))
			assert.Equal(t, tc.wantPermanent, errors.As(got, &permanent))
			assert.ErrorIs(t, got, tc.err)
		})
	}
}

func TestClassifyPassesThroughCancellation(t *testing.T) {
	// Abort must not be re-labeled as a step failure.
	got := classify("navigate", context.Canceled)
	assert.ErrorIs(t, got, context.Canceled)
	assert.False(t, schemas.IsTransient(got))

	var permanent *schemas.PermanentExecutionError
	assert.False(t, errors.As(got, &permanent))
}

func TestFieldSelector(t *testing.T) {
	// Bare field names match by name attribute or id.
	assert.Equal(t, `[name="email"], #email`, fieldSelector("email"))

	// Anything selector-shaped passes through untouched.
	assert.Equal(t, "#signup-email", fieldSelector("#signup-email"))
	assert.Equal(t, "form input.primary", fieldSelector("form input.primary"))
	assert.Equal(t, `[data-field=email]`, fieldSelector(`[data-field=email]`))
}

func TestMergeDeadlineAdoptsStepDeadline(t *testing.T) {
	browserCtx := context.Background()
	stepCtx, cancelStep := context.WithTimeout(context.Background(), time.Hour)
	defer cancelStep()

	runCtx, cancel := mergeDeadline(browserCtx, stepCtx)
	defer cancel()

	deadline, ok := runCtx.Deadline()
	require.True(t, ok)
	stepDeadline, _ := stepCtx.Deadline()
	assert.Equal(t, stepDeadline, deadline)
}

func TestMergeDeadlinePropagatesStepCancel(t *testing.T) {
	browserCtx := context.Background()
	stepCtx, cancelStep := context.WithCancel(context.Background())

	runCtx, cancel := mergeDeadline(browserCtx, stepCtx)
	defer cancel()

	cancelStep()
	select {
	case <-runCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("run context not cancelled after step cancel")
	}
}
