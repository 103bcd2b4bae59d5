package reqlog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	log "github.com/sirupsen/logrus"

	"airelay-go/internal/constants"
	"airelay-go/internal/models"
	"airelay-go/internal/monitoring"
)

// SummaryStore is the persistence surface of the aggregator. SaveHourlySummaries
// writes the overall row and its breakdowns atomically.
type SummaryStore interface {
	SummaryExists(ctx context.Context, hourStart time.Time) (bool, error)
	HasAnySummary(ctx context.Context) (bool, error)
	EarliestLogTime(ctx context.Context) (time.Time, bool, error)
	ListCompletedLogs(ctx context.Context, from, to time.Time) ([]*models.RequestLog, error)
	SaveHourlySummaries(ctx context.Context, overall *models.HourlySummary, byModel []*models.HourlyModelSummary, byAccount []*models.HourlyAccountSummary) error
}

// AccountResolver supplies account names for the per-account breakdown.
type AccountResolver interface {
	ListAccounts(ctx context.Context) ([]*models.Account, error)
}

// Aggregator rolls finished request logs into hourly summary rows.
type Aggregator struct {
	store    SummaryStore
	accounts AccountResolver
	cron     *cron.Cron

	stopOnce sync.Once
}

func NewAggregator(store SummaryStore, accounts AccountResolver) *Aggregator {
	return &Aggregator{
		store:    store,
		accounts: accounts,
		cron:     cron.New(),
	}
}

// Start schedules the periodic pass and kicks off the first-start catch-up.
func (a *Aggregator) Start() error {
	_, err := a.cron.AddFunc("@every "+constants.AggregatorTick.String(), func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		a.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	a.cron.Start()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		a.CatchUp(ctx)
	}()
	return nil
}

func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		<-a.cron.Stop().Done()
	})
}

// RunOnce aggregates the most recent settled hour, skipping when the summary
// row already exists.
func (a *Aggregator) RunOnce(ctx context.Context) {
	target := time.Now().Add(-constants.AggregatorHourDelay).Truncate(time.Hour)

	exists, err := a.store.SummaryExists(ctx, target)
	if err != nil {
		log.WithError(err).Error("failed to check summary existence")
		monitoring.RecordAggregatorRun("error")
		return
	}
	if exists {
		monitoring.RecordAggregatorRun("skipped")
		return
	}
	if err := a.aggregateHour(ctx, target); err != nil {
		log.WithError(err).WithField("hour", target).Error("hourly aggregation failed")
		monitoring.RecordAggregatorRun("error")
		return
	}
	monitoring.RecordAggregatorRun("ok")
}

// CatchUp backfills missing hours after a cold start, walking from the
// earliest log hour to the last settled hour, bounded by the catch-up window.
func (a *Aggregator) CatchUp(ctx context.Context) {
	hasAny, err := a.store.HasAnySummary(ctx)
	if err != nil {
		log.WithError(err).Error("failed to check for existing summaries")
		return
	}
	if hasAny {
		return
	}

	earliest, ok, err := a.store.EarliestLogTime(ctx)
	if err != nil {
		log.WithError(err).Error("failed to read earliest log time")
		return
	}
	if !ok {
		return
	}

	last := time.Now().Add(-time.Hour).Truncate(time.Hour)
	start := earliest.Truncate(time.Hour)
	if floor := last.Add(-time.Duration(constants.AggregatorCatchupMaxHours) * time.Hour); start.Before(floor) {
		start = floor
	}

	for hour := start; !hour.After(last); hour = hour.Add(time.Hour) {
		if ctx.Err() != nil {
			return
		}
		exists, err := a.store.SummaryExists(ctx, hour)
		if err != nil || exists {
			continue
		}
		if err := a.aggregateHour(ctx, hour); err != nil {
			log.WithError(err).WithField("hour", hour).Error("catch-up aggregation failed")
			return
		}
	}
	log.WithFields(log.Fields{"from": start, "to": last}).Info("summary catch-up complete")
}

func (a *Aggregator) aggregateHour(ctx context.Context, hour time.Time) error {
	logs, err := a.store.ListCompletedLogs(ctx, hour, hour.Add(time.Hour))
	if err != nil {
		return err
	}

	overall := summarize(logs)
	overall.HourStartTime = hour

	byModel := a.summarizeByModel(hour, logs)
	byAccount := a.summarizeByAccount(ctx, hour, logs)

	return a.store.SaveHourlySummaries(ctx, &overall, byModel, byAccount)
}

func (a *Aggregator) summarizeByModel(hour time.Time, logs []*models.RequestLog) []*models.HourlyModelSummary {
	type key struct {
		model    string
		provider models.Provider
	}
	groups := make(map[key][]*models.RequestLog)
	for _, l := range logs {
		k := key{l.Model, l.Provider}
		groups[k] = append(groups[k], l)
	}

	out := make([]*models.HourlyModelSummary, 0, len(groups))
	for k, group := range groups {
		s := summarize(group)
		s.HourStartTime = hour
		out = append(out, &models.HourlyModelSummary{
			HourlySummary: s,
			Model:         k.model,
			Provider:      k.provider,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Model < out[j].Model })
	return out
}

func (a *Aggregator) summarizeByAccount(ctx context.Context, hour time.Time, logs []*models.RequestLog) []*models.HourlyAccountSummary {
	groups := make(map[int64][]*models.RequestLog)
	for _, l := range logs {
		if l.AccountID == nil {
			continue
		}
		groups[*l.AccountID] = append(groups[*l.AccountID], l)
	}
	if len(groups) == 0 {
		return nil
	}

	names := make(map[int64]*models.Account)
	if a.accounts != nil {
		if accounts, err := a.accounts.ListAccounts(ctx); err == nil {
			for _, acct := range accounts {
				names[acct.ID] = acct
			}
		} else {
			log.WithError(err).Warn("failed to resolve account names for summary")
		}
	}

	out := make([]*models.HourlyAccountSummary, 0, len(groups))
	for id, group := range groups {
		s := summarize(group)
		s.HourStartTime = hour
		entry := &models.HourlyAccountSummary{
			HourlySummary: s,
			AccountID:     id,
		}
		if acct, ok := names[id]; ok {
			entry.AccountName = acct.Name
			entry.AccountProvider = acct.Provider
		}
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}
