package worker

import (
	"context"
	"sync"

	"github.com/always-cache/offline-cache/metrics"

	"github.com/pkg/errors"
)

// Install opens the worker's generation and populates it from the manifest.
// Assets are cached best-effort: failures are logged and skipped. Install
// only fails if the generation cannot be opened, or if the manifest is not
// empty and not a single asset could be cached.
func (w *Worker) Install(ctx context.Context) error {
	w.setState(StateInstalling)
	w.log.Info().Int("assets", len(w.manifest)).Msg("Installing")

	gen, err := w.manager.Open(ctx, w.version)
	if err != nil {
		w.setState(StateRedundant)
		return errors.Wrapf(err, "open cache %s", w.version)
	}
	w.mu.Lock()
	w.gen = gen
	w.mu.Unlock()

	stored, err := w.manager.Populate(ctx, gen, w.manifest)
	if err != nil {
		w.log.Warn().Err(err).Int("stored", stored).Msg("Failed to cache some assets")
		w.metrics.PopulateFailures.Add(float64(len(w.manifest) - stored))
	}
	if len(w.manifest) > 0 && stored == 0 {
		w.setState(StateRedundant)
		if err != nil {
			return errors.Wrap(ErrNothingCached, err.Error())
		}
		return ErrNothingCached
	}

	w.setState(StateWaiting)
	w.log.Info().Int("stored", stored).Msg("Installed")
	return nil
}

// Activate deletes every generation other than the worker's own.
// All deletions are awaited; a failed deletion does not stop the others,
// and the worker becomes active either way. The failures are returned as
// a *DeleteError.
func (w *Worker) Activate(ctx context.Context) error {
	w.setState(StateActivating)

	names, err := w.manager.ListGenerations(ctx)
	if err != nil {
		w.log.Error().Err(err).Msg("Could not list cache generations")
		w.setState(StateActive)
		return errors.Wrap(err, "list generations")
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures []*DeleteGenerationFailure
	)
	for _, name := range names {
		if name == w.version {
			continue
		}
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			err := w.manager.DeleteGeneration(ctx, name)
			w.metrics.GenerationsDeleted.WithLabelValues(metrics.Success(err)).Inc()
			if err != nil {
				w.log.Error().Err(err).Str("generation", name).Msg("Could not delete stale generation")
				mu.Lock()
				failures = append(failures, &DeleteGenerationFailure{Name: name, Err: err})
				mu.Unlock()
				return
			}
			w.log.Info().Str("generation", name).Msg("Deleted stale generation")
		}(name)
	}
	wg.Wait()

	w.setState(StateActive)
	w.log.Info().Msg("Activated")
	if len(failures) > 0 {
		return &DeleteError{Failures: failures}
	}
	return nil
}
