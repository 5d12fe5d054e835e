package harvest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResultPartitionsByStatus(t *testing.T) {
	t.Parallel()

	var r Result
	r.Add(Outcome{Status: StatusSuccess, File: "downloads_csv/f"})
	r.Add(Outcome{Status: StatusFailed, File: "g", Err: ErrUnexpectedStatus})
	r.Add(Outcome{Status: StatusSuccess, File: "downloads_csv/h"})

	require.Equal(t, 3, r.Total())
	require.Equal(t, []string{"downloads_csv/f", "downloads_csv/h"}, r.SucceededFiles())
	require.Equal(t, []string{"g"}, r.FailedFiles())
}

func TestOutcomeError(t *testing.T) {
	t.Parallel()

	require.Empty(t, Outcome{Status: StatusSuccess}.Error())
	require.Equal(t, ErrInvalidContent.Error(), Outcome{Err: ErrInvalidContent}.Error())
}

func TestOutcomeJSONCarriesError(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(Outcome{Status: StatusFailed, File: "a.csv", Err: ErrInvalidContent})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"failed","file":"a.csv","url":"","title":"","attempts":0,"error":"invalid csv content"}`, string(data))

	data, err = json.Marshal(Outcome{Status: StatusSuccess, File: "downloads_csv/a.csv", Bytes: 3})
	require.NoError(t, err)
	require.NotContains(t, string(data), `"error"`)
}

func TestEmptyResultFilesAreNonNil(t *testing.T) {
	t.Parallel()

	var r Result
	require.NotNil(t, r.SucceededFiles())
	require.Empty(t, r.FailedFiles())
}

func TestSleepHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Sleep(ctx, time.Hour)
	require.True(t, errors.Is(err, context.Canceled))

	require.NoError(t, Sleep(context.Background(), 0))
	require.NoError(t, NoSleep(context.Background(), time.Hour))
	require.Error(t, NoSleep(ctx, time.Second))
}
