package main

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/xeptore/ondusd/cache"
	"github.com/xeptore/ondusd/config"
	"github.com/xeptore/ondusd/errutil"
	"github.com/xeptore/ondusd/iterutil"
	"github.com/xeptore/ondusd/log"
	"github.com/xeptore/ondusd/mathutil"
	"github.com/xeptore/ondusd/ondus"
	"github.com/xeptore/ondusd/ondus/auth"
	"github.com/xeptore/ondusd/ondus/device"
	"github.com/xeptore/ondusd/ondus/fs"
	"github.com/xeptore/ondusd/ptr"
	"github.com/xeptore/ondusd/ratelimit"
)

type Worker struct {
	mutex       sync.Mutex
	config      *config.Config
	devices     *device.Client
	cache       *cache.Cache
	devicesFile *fs.InfoFile[[]applianceRecord]
	bridgeFile  *fs.InfoFile[bridgeStatus]
	seq         iterutil.Counter
	lastIDs     []string
	logger      zerolog.Logger
}

type applianceRecord struct {
	ID     string                     `json:"appliance_id"`
	Type   int                        `json:"appliance_type"`
	Name   string                     `json:"name"`
	Online *bool                      `json:"online,omitempty"`
	States map[string]json.RawMessage `json:"states"`
}

type bridgeStatus struct {
	Connected  bool   `json:"connected"`
	UpdatedAt  string `json:"updated_at"`
	PollSeq    int    `json:"poll_seq"`
	Appliances int    `json:"appliances"`
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Run polls the vendor API until ctx is canceled. Individual polls run on
// pollCtx, which outlives ctx by a few seconds, so an in-flight cycle can
// drain during shutdown instead of aborting its API calls midway.
func (w *Worker) Run(ctx context.Context, pollCtx context.Context) error {
	jitter := ratelimit.PollStartJitterMS()
	w.logger.Debug().Dur("jitter", jitter).Msg("Delaying first poll")
	select {
	case <-ctx.Done():
		return context.Canceled
	case <-time.After(jitter):
	}

	if err := w.poll(pollCtx); nil != err {
		return w.stop(ctx, err)
	}

	terminal := make(chan error, 1)
	ticker := time.NewTicker(w.config.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Debug().Msg("Stopping device polling due to received signal")
			w.drain()
			return context.Canceled
		case err := <-terminal:
			return w.stop(ctx, err)
		case <-ticker.C:
			go func() {
				defer func() {
					if r := recover(); nil != r {
						w.logger.Error().Func(log.Panic(r)).Msg("Poll cycle panicked")
						panic(r)
					}
				}()
				if err := w.poll(pollCtx); nil != err {
					select {
					case terminal <- err:
					default:
					}
				}
			}()
		}
	}
}

// drain waits for an in-flight poll before Run returns, as a returned Run
// ends the process and would abandon the cycle regardless of its grace
// window.
func (w *Worker) drain() {
	w.mutex.Lock()
	w.mutex.Unlock() //nolint:staticcheck
}

// stop handles a terminal polling failure. The session is beyond repair
// without operator intervention, so polling stays off, but the process keeps
// running until it receives a signal.
func (w *Worker) stop(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return context.Canceled
	}
	w.logger.Error().Func(log.Flaw(err)).Msg("Device polling is disabled until restart")
	dumpFlaw(w.config.StateDir, err, w.logger)
	<-ctx.Done()
	return context.Canceled
}

// poll returns a non-nil error only when polling cannot continue. Transient
// failures are logged, flip the bridge status to disconnected, and leave the
// next cycle to try again.
func (w *Worker) poll(ctx context.Context) error {
	if !w.mutex.TryLock() {
		w.logger.Warn().Msg("Previous poll cycle is still running. Skipping this one")
		return nil
	}
	defer w.mutex.Unlock()

	seq := w.seq.Next()
	startedAt := time.Now()
	logger := w.logger.With().Int("poll_seq", seq).Logger()
	logger.Trace().Msg("Polling appliances")

	appliances, err := w.devices.List(ctx)
	if nil != err {
		switch {
		case errutil.IsContext(ctx):
			return ctx.Err()
		case errors.Is(err, auth.ErrUnauthorized):
			w.markDisconnected(seq, err)
			return err
		case ondus.IsKind(err, ondus.KindInvalidRefreshToken):
			w.markDisconnected(seq, err)
			return err
		case errors.Is(err, device.ErrTooManyRequests):
			logger.Warn().Msg("Vendor gateway throttled the poll. Waiting for the next cycle")
			w.markDisconnected(seq, err)
			return nil
		case errors.Is(err, context.DeadlineExceeded):
			logger.Error().Err(err).Msg("Poll timed out. Waiting for the next cycle")
			w.markDisconnected(seq, err)
			return nil
		case ondus.IsKind(err, ondus.KindTokenRefreshFailed):
			logger.Error().Func(log.Flaw(err)).Msg("Access token refresh failed. Waiting for the next cycle")
			w.markDisconnected(seq, err)
			return nil
		case errutil.IsFlaw(err):
			logger.Error().Func(log.Flaw(err)).Msg("Poll failed. Waiting for the next cycle")
			w.markDisconnected(seq, err)
			return nil
		default:
			panic(errutil.UnknownError(err))
		}
	}
	ids := lo.Map(appliances, func(a device.Appliance, _ int) string { return a.ID })
	logger.Debug().Strs("appliance_ids", ids).Msg("Polled appliances")

	if gone := lo.Without(w.lastIDs, ids...); len(gone) > 0 {
		logger.Warn().Strs("appliance_ids", gone).Msg("Appliances disappeared from the listing")
	}
	w.lastIDs = ids

	offline := lo.FilterMap(appliances, func(a device.Appliance, _ int) (string, bool) {
		return a.ID, !ptr.ValueOr(a.Online, true)
	})
	if len(offline) > 0 {
		logger.Warn().Strs("appliance_ids", offline).Msg("Some appliances are reported offline")
	}

	records := make([]applianceRecord, len(appliances))
	for i, appliance := range appliances {
		records[i] = w.mirror(logger, appliance)
	}
	slices.SortFunc(records, func(a, b applianceRecord) int { return strings.Compare(a.ID, b.ID) })

	if err := w.devicesFile.Write(records); nil != err {
		logger.Error().Func(log.Flaw(err)).Msg("Failed to write devices state file")
	}
	w.markConnected(seq, len(appliances))

	if elapsed := time.Since(startedAt); elapsed > w.config.PollInterval() {
		missed := mathutil.CeilInts(int64(elapsed), int64(w.config.PollInterval())) - 1
		logger.Warn().Dur("elapsed", elapsed).Int64("missed_cycles", missed).Msg("Poll cycle overran its interval")
	}
	return nil
}

func (w *Worker) mirror(logger zerolog.Logger, appliance device.Appliance) applianceRecord {
	snapshot := device.FlattenData(appliance.DataLatest)

	if _, known := w.cache.Appliances.Get(appliance.ID); !known {
		logger.Info().
			Str("appliance_id", appliance.ID).
			Str("name", appliance.Name).
			Int("type", appliance.Type).
			Msg("Discovered appliance")
	}
	w.cache.Appliances.Set(appliance.ID, &appliance, cache.DefaultApplianceTTL)

	if prev, ok := w.cache.DeviceStates.Get(appliance.ID); ok {
		if changed := prev.Diff(snapshot); len(changed) > 0 {
			logger.Info().Str("appliance_id", appliance.ID).Strs("paths", changed).Msg("Appliance state changed")
		}
	} else {
		logger.Debug().Str("appliance_id", appliance.ID).Int("states", len(snapshot)).Msg("First appliance state snapshot")
	}
	w.cache.DeviceStates.Set(appliance.ID, snapshot, cache.DefaultDeviceStateTTL)

	return applianceRecord{
		ID:     appliance.ID,
		Type:   appliance.Type,
		Name:   appliance.Name,
		Online: appliance.Online,
		States: snapshot.JSON(),
	}
}

func (w *Worker) markConnected(seq int, appliances int) {
	status := bridgeStatus{
		Connected:  true,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
		PollSeq:    seq,
		Appliances: appliances,
		Diagnostic: "",
	}
	if err := w.bridgeFile.Write(status); nil != err {
		w.logger.Error().Func(log.Flaw(err)).Msg("Failed to write bridge status file")
	}
}

func (w *Worker) markDisconnected(seq int, cause error) {
	status := bridgeStatus{
		Connected:  false,
		UpdatedAt:  time.Now().UTC().Format(time.RFC3339),
		PollSeq:    seq,
		Appliances: 0,
		Diagnostic: log.Clip(cause.Error()),
	}
	if err := w.bridgeFile.Write(status); nil != err {
		w.logger.Error().Func(log.Flaw(err)).Msg("Failed to write bridge status file")
	}
}
