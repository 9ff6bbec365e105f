package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
)

// RippleAdapter is the part of Ripple the orchestrator depends on.
type RippleAdapter interface {
	FetchFlaggedParticipants(ctx context.Context, study Study) ([]ParticipantRecord, error)
	AcknowledgeSynced(ctx context.Context, sourceID string, study Study) error
}

// REDCapAdapter is the part of REDCap the orchestrator depends on.
type REDCapAdapter interface {
	FindExisting(ctx context.Context, study Study, sourceIDs []string) (map[string]string, error)
	Insert(ctx context.Context, study Study, record ParticipantRecord) (string, error)
	Update(ctx context.Context, study Study, redcapID string, payload Payload) error
}

// PayloadMapper renders the REDCap payload for a record about to be written.
type PayloadMapper interface {
	MapPayload(record ParticipantRecord) (Payload, error)
}

// Orchestrator sequences one run: fetch every study, classify, write to REDCap,
// then acknowledge in Ripple the records whose write succeeded.
type Orchestrator struct {
	*SyncContext
	Ripple RippleAdapter
	REDCap REDCapAdapter
	// Mapper may be nil, in which case records are written with their own Payload.
	Mapper PayloadMapper
	// OnTransition, when set, observes every state change.
	OnTransition func(from, to RunState)
}

// NewOrchestrator wires the HTTP adapters for the given context.
func NewOrchestrator(sc *SyncContext) *Orchestrator {
	return &Orchestrator{
		SyncContext: sc,
		Ripple:      &RippleFetcherAndUpdater{SyncContext: sc},
		REDCap:      &REDCapFetcherAndUpdater{SyncContext: sc},
		Mapper:      &RippleMapper{SyncContext: sc},
	}
}

type run struct {
	*Orchestrator
	logger  *slog.Logger
	state   RunState
	acc     *summaryAccumulator
	ripple  *callGuard
	redcap  *callGuard
	studies map[string]Study
}

// Run executes one run and returns its summary. It never panics on remote failures:
// hard failures end in StateFailed, per-record failures are listed in the summary.
func (o *Orchestrator) Run(ctx context.Context, runID string) RunSummary {
	logger := o.logger().With("run_id", runID)
	r := &run{
		Orchestrator: o,
		logger:       logger,
		state:        StateIdle,
		acc:          &summaryAccumulator{summary: RunSummary{RunID: runID, StartedAt: o.now(), State: StateIdle}},
		ripple:       newCallGuard(Ripple, o.Config.Run, logger),
		redcap:       newCallGuard(REDCap, o.Config.Run, logger),
		studies:      make(map[string]Study, len(o.Config.Studies)),
	}
	for _, s := range o.Config.Studies {
		r.studies[s.Name] = s
	}
	return r.execute(ctx)
}

func (r *run) execute(ctx context.Context) RunSummary {
	r.transition(StateFetching)
	records, err := r.fetch(ctx)
	if err != nil {
		return r.failed(err)
	}
	r.acc.update(func(s *RunSummary) { s.Fetched = len(records) })
	if !anyFlagged(records) {
		r.logger.Info("no participants flagged", "fetched", len(records))
		r.transition(StateDone)
		return r.finish()
	}

	if err = shutdownErr(ctx); err != nil {
		return r.failed(err)
	}
	r.transition(StateClassifying)
	existing, err := r.lookup(ctx, records)
	if err != nil {
		return r.failed(err)
	}
	decisions := Classify(records, existing)

	r.transition(StateWriting)
	written, err := r.write(ctx, decisions)
	if err != nil {
		return r.failed(err)
	}

	r.transition(StateAcknowledging)
	if err = r.acknowledge(ctx, written); err != nil {
		return r.failed(err)
	}

	r.transition(StateDone)
	return r.finish()
}

func (r *run) transition(to RunState) {
	from := r.state
	r.state = to
	r.acc.update(func(s *RunSummary) { s.State = to })
	r.logger.Info("state transition", "from", from.String(), "to", to.String())
	if r.OnTransition != nil {
		r.OnTransition(from, to)
	}
}

func (r *run) failed(err error) RunSummary {
	phase := r.state
	r.acc.update(func(s *RunSummary) {
		s.FailedPhase = phase
		s.Cause = err
	})
	r.transition(StateFailed)
	return r.finish()
}

func (r *run) finish() RunSummary {
	r.acc.update(func(s *RunSummary) { s.FinishedAt = r.now() })
	return r.acc.snapshot()
}

func anyFlagged(records []ParticipantRecord) bool {
	for _, record := range records {
		if record.SendFlag {
			return true
		}
	}
	return false
}

func shutdownErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrShutdown, err)
	}
	return nil
}

// fetch exports every configured study in order. Any failure is fatal for the run.
func (r *run) fetch(ctx context.Context) ([]ParticipantRecord, error) {
	var result []ParticipantRecord
	for _, study := range r.Config.Studies {
		if err := shutdownErr(ctx); err != nil {
			return nil, err
		}
		var records []ParticipantRecord
		err := r.ripple.do(ctx, "export", true, func(callCtx context.Context) error {
			var err error
			records, err = r.Ripple.FetchFlaggedParticipants(callCtx, study)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("fetch study %s: %w", study.Name, err)
		}
		r.logger.Info("fetched participants", "study", study.Name, "count", len(records))
		result = append(result, records...)
	}
	return result, nil
}

// lookup asks each study's project which source ids it already holds and merges the answers.
func (r *run) lookup(ctx context.Context, records []ParticipantRecord) (map[string]string, error) {
	existing := make(map[string]string)
	byStudy := lookupIDs(records)
	for _, study := range r.Config.Studies {
		ids := byStudy[study.Name]
		if len(ids) == 0 {
			continue
		}
		var found map[string]string
		err := r.redcap.do(ctx, "export", true, func(callCtx context.Context) error {
			var err error
			found, err = r.REDCap.FindExisting(callCtx, study, ids)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("lookup study %s: %w", study.Name, err)
		}
		for sid, rid := range found {
			existing[sid] = rid
		}
	}
	return existing, nil
}

// write applies every decision. Record failures are recorded and do not stop the run;
// an AuthError or a shutdown does. It returns the records whose write succeeded, in decision order.
func (r *run) write(ctx context.Context, decisions []SyncDecision) ([]ParticipantRecord, error) {
	results := make([]*ParticipantRecord, len(decisions))
	err := r.fanOut(ctx, len(decisions), func(i int) error {
		decision := decisions[i]
		if decision.Kind == DecisionSkip {
			r.acc.update(func(s *RunSummary) { s.Skipped++ })
			r.logger.Debug("record skipped", "source_id", decision.Record.SourceID, "study", decision.Record.StudyID, "reason", decision.Reason)
			return nil
		}
		record, err := r.writeOne(ctx, decision)
		if err != nil {
			if KindOf(err) == KindAuth {
				return err
			}
			r.recordFailure(decision.Record, StateWriting, err)
			return nil
		}
		results[i] = &record
		return nil
	})

	var written []ParticipantRecord
	for _, record := range results {
		if record != nil {
			written = append(written, *record)
		}
	}
	return written, err
}

func (r *run) writeOne(ctx context.Context, decision SyncDecision) (ParticipantRecord, error) {
	record := decision.Record
	study, ok := r.studies[record.StudyID]
	if !ok {
		return record, malformed(Ripple, "export", fmt.Errorf("unknown study %q", record.StudyID))
	}
	if r.Mapper != nil {
		payload, err := r.Mapper.MapPayload(record)
		if err != nil {
			return record, err
		}
		record.Payload = payload
	}

	switch decision.Kind {
	case DecisionInsert:
		// an auto-numbered import is not idempotent, so inserts get a single attempt
		err := r.redcap.do(ctx, "insert", false, func(callCtx context.Context) error {
			id, err := r.REDCap.Insert(callCtx, study, record)
			record.RedcapID = id
			return err
		})
		if err != nil {
			return record, err
		}
		r.acc.update(func(s *RunSummary) { s.Inserted++ })
		r.logger.Info("record inserted", "source_id", record.SourceID, "study", study.Name, "redcap_id", record.RedcapID)
	case DecisionUpdate:
		err := r.redcap.do(ctx, "update", true, func(callCtx context.Context) error {
			return r.REDCap.Update(callCtx, study, decision.ExistingRedcapID, record.Payload)
		})
		if err != nil {
			return record, err
		}
		r.acc.update(func(s *RunSummary) { s.Updated++ })
		r.logger.Info("record updated", "source_id", record.SourceID, "study", study.Name, "redcap_id", record.RedcapID)
	}
	return record, nil
}

// acknowledge marks written records as synced in Ripple. Only records returned by write get here.
func (r *run) acknowledge(ctx context.Context, written []ParticipantRecord) error {
	return r.fanOut(ctx, len(written), func(i int) error {
		record := written[i]
		study := r.studies[record.StudyID]
		err := r.ripple.do(ctx, "import", true, func(callCtx context.Context) error {
			return r.Ripple.AcknowledgeSynced(callCtx, record.SourceID, study)
		})
		if err != nil {
			if KindOf(err) == KindAuth {
				return err
			}
			r.recordFailure(record, StateAcknowledging, err)
			return nil
		}
		r.acc.update(func(s *RunSummary) { s.Acknowledged++ })
		return nil
	})
}

func (r *run) recordFailure(record ParticipantRecord, phase RunState, err error) {
	r.acc.fail(record, phase, err)
	r.logger.Warn("record failed",
		"source_id", record.SourceID,
		"study", record.StudyID,
		"phase", phase.String(),
		"kind", KindOf(err).String(),
		"error", err)
}

// fanOut calls fn for 0..n-1 with at most Config.Run.Concurrency calls in flight.
// It stops starting new calls after the first error from fn or once ctx is done,
// waits for the calls already started and returns that error, or a shutdown error
// when calls were left unstarted.
func (r *run) fanOut(ctx context.Context, n int, fn func(i int) error) error {
	workers := max(r.Config.Run.Concurrency, 1)
	sem := make(chan struct{}, workers)
	var (
		wg    gosync.WaitGroup
		mu    gosync.Mutex
		fatal error
	)
	stopped := func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fatal != nil
	}

	started := 0
	for i := 0; i < n; i++ {
		if stopped() || ctx.Err() != nil {
			break
		}
		sem <- struct{}{}
		if stopped() || ctx.Err() != nil {
			<-sem
			break
		}
		started++
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := fn(i); err != nil {
				mu.Lock()
				if fatal == nil {
					fatal = err
				}
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if fatal != nil {
		return fatal
	}
	if started < n {
		if err := shutdownErr(ctx); err != nil {
			return err
		}
		return errors.New("stopped before all records were processed")
	}
	return nil
}
