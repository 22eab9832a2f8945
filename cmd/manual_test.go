package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"invoice-intake/internal/worker"
)

func TestRunOnceManual(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name        string
		buildErr    error
		batch       worker.BatchReport
		batchErr    error
		wantErr     string
		wantCleanup int
	}{
		{name: "success", batch: worker.BatchReport{Processed: 3, Done: 2, Failed: 1}, wantCleanup: 1},
		{name: "build failure", buildErr: errors.New("open store: disk full"), wantErr: "init app"},
		{name: "batch failure", batchErr: errors.New("database is locked"), wantErr: "run once", wantCleanup: 1},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			sched := &onceScheduler{report: tc.batch, err: tc.batchErr}
			cleanups := 0
			build := func(AppConfig) (appDeps, func(), error) {
				if tc.buildErr != nil {
					return appDeps{}, func() {}, tc.buildErr
				}
				return appDeps{sched: sched}, func() { cleanups++ }, nil
			}

			report, err := runOnceManual(context.Background(), AppConfig{}, build)
			assert.Equal(t, tc.wantCleanup, cleanups)
			if tc.wantErr != "" {
				assert.ErrorContains(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.batch, report)
			assert.Equal(t, 1, sched.runs)
		})
	}
}

// --- stubs ---

type onceScheduler struct {
	report worker.BatchReport
	err    error
	runs   int
}

func (s *onceScheduler) Start(context.Context) error { return nil }

func (s *onceScheduler) RunOnce(context.Context) (worker.BatchReport, error) {
	s.runs++
	return s.report, s.err
}
