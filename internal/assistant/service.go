// Package assistant runs the question pipeline: extract entities, analyze
// scope, match a rule, then serve the result from the cache or the data store.
package assistant

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"qms-assistant/internal/common/logger"
	"qms-assistant/internal/common/metrics"
	"qms-assistant/internal/common/observability"
	"qms-assistant/internal/engine/executor"
	"qms-assistant/internal/engine/extractor"
	"qms-assistant/internal/engine/matcher"
	"qms-assistant/internal/engine/resultcache"
	"qms-assistant/internal/engine/rules"
	"qms-assistant/internal/engine/scope"
	"qms-assistant/internal/models"
)

const (
	NoDataHint         = "No data found, please refine your query."
	maxRuleSuggestions = 3
)

// Outcomes recorded in metrics and telemetry besides error codes.
const (
	OutcomeMatched = "matched"
	OutcomeNoMatch = "no_match"
)

type Deps struct {
	Extractor *extractor.Extractor
	Analyzer  *scope.Analyzer
	Rules     *rules.Repository
	Matcher   *matcher.Matcher
	Executor  *executor.Executor
	Cache     *resultcache.Cache
	Telemetry Recorder
	Obs       *observability.Observability
}

type Service struct {
	extractor *extractor.Extractor
	analyzer  *scope.Analyzer
	rules     *rules.Repository
	matcher   *matcher.Matcher
	executor  *executor.Executor
	cache     *resultcache.Cache
	telemetry Recorder
	obs       *observability.Observability
	logger    logger.Logger

	digestMu sync.Mutex
	digest   string
}

func New(deps Deps, log logger.Logger) *Service {
	s := &Service{
		extractor: deps.Extractor,
		analyzer:  deps.Analyzer,
		rules:     deps.Rules,
		matcher:   deps.Matcher,
		executor:  deps.Executor,
		cache:     deps.Cache,
		telemetry: deps.Telemetry,
		obs:       deps.Obs,
		logger:    log.WithFields(map[string]interface{}{"component": "assistant"}),
	}
	if s.telemetry == nil {
		s.telemetry = NopRecorder{}
	}
	if s.obs == nil {
		s.obs = observability.Noop()
	}

	s.digest = ruleDigest(s.rules.Snapshot().All())
	s.rules.OnSwap(s.onRulesSwapped)
	return s
}

// onRulesSwapped drops cached results when the rule definitions changed.
// Reloads that produce an identical rule set keep the cache.
func (s *Service) onRulesSwapped(snap *rules.Snapshot, report rules.LoadReport) {
	metrics.RulesActive.Set(float64(report.Active))
	metrics.RulesRejected.Add(float64(len(report.Rejected)))

	digest := ruleDigest(snap.All())
	s.digestMu.Lock()
	changed := digest != s.digest
	s.digest = digest
	s.digestMu.Unlock()

	if changed {
		s.cache.Clear()
		s.logger.Info("rule set changed, result cache cleared", map[string]interface{}{
			"generation": snap.Generation,
			"reason":     report.Reason,
		})
	}
}

func ruleDigest(all []models.IntentRule) string {
	data, _ := json.Marshal(all)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Ask answers one question. NoMatch is a successful response with a nil
// MatchedRuleID; binding and execution failures are returned as
// *errors.StandardError.
func (s *Service) Ask(ctx context.Context, question string) (*models.QueryResponse, error) {
	start := time.Now()
	requestID := uuid.NewString()
	log := s.logger.WithFields(map[string]interface{}{"requestId": requestID})

	stage := time.Now()
	entities := s.extractor.Extract(question)
	s.obs.RecordStage(ctx, "extract", time.Since(stage))

	stage = time.Now()
	analysis := s.analyzer.Analyze(question, entities)
	s.obs.RecordStage(ctx, "analyze", time.Since(stage))

	log.Debug("question analyzed", map[string]interface{}{
		"strategy":   string(analysis.Strategy),
		"domains":    analysis.InvolvedDomains,
		"entities":   entities.Values(),
		"confidence": analysis.Confidence,
	})

	stage = time.Now()
	active := s.rules.Active()
	match, ok := s.matcher.Match(analysis, active)
	s.obs.RecordStage(ctx, "match", time.Since(stage))

	if !ok {
		resp := &models.QueryResponse{
			MatchedRuleID:   nil,
			Confidence:      analysis.Confidence,
			Strategy:        analysis.Strategy,
			Columns:         []string{},
			Rows:            [][]interface{}{},
			Recommendations: s.recommend(analysis, active),
			ElapsedMs:       time.Since(start).Milliseconds(),
		}
		log.Info("no rule matched", map[string]interface{}{
			"strategy": string(analysis.Strategy),
		})
		s.finish(ctx, requestID, analysis, resp, OutcomeNoMatch, start)
		return resp, nil
	}

	rule := match.Rule
	log = log.WithFields(map[string]interface{}{"ruleId": rule.ID, "ruleName": rule.Name})
	log.Info("rule matched", map[string]interface{}{
		"score":    match.Score,
		"triggers": match.Triggers,
	})
	metrics.RuleMatches.WithLabelValues(rule.Name).Inc()

	bound, err := s.executor.Bind(rule, entities)
	if err != nil {
		return nil, s.fail(ctx, requestID, analysis, rule, err, start)
	}

	key := resultcache.Signature(rule.ID, resultcache.Revision(rule), bound.Params)
	rs, cached, err := s.cache.GetOrCompute(ctx, key, func(ctx context.Context) (*models.ResultSet, error) {
		stage := time.Now()
		defer func() {
			d := time.Since(stage)
			s.obs.RecordStage(ctx, "execute", d)
			metrics.QueryDuration.WithLabelValues(string(rule.Category)).Observe(d.Seconds())
		}()
		return s.executor.Run(ctx, rule, bound)
	}, resultcache.Options{Category: rule.Category})
	if err != nil {
		return nil, s.fail(ctx, requestID, analysis, rule, err, start)
	}

	id := strconv.FormatInt(rule.ID, 10)
	resp := &models.QueryResponse{
		MatchedRuleID: &id,
		RuleName:      rule.Name,
		Confidence:    analysis.Confidence,
		Strategy:      analysis.Strategy,
		Columns:       rs.Columns,
		Rows:          rs.Rows,
		Truncated:     rs.Truncated,
		Cached:        cached,
		ElapsedMs:     time.Since(start).Milliseconds(),
	}
	s.finish(ctx, requestID, analysis, resp, OutcomeMatched, start)
	return resp, nil
}

func (s *Service) fail(ctx context.Context, requestID string, analysis models.QueryAnalysis, rule models.IntentRule, err error, start time.Time) error {
	stdErr := toStandardError(rule, s.executor.Timeout(), err)
	stdErr.WithMetadata("requestId", requestID).WithMetadata("ruleId", rule.ID)

	id := strconv.FormatInt(rule.ID, 10)
	s.finish(ctx, requestID, analysis, &models.QueryResponse{
		MatchedRuleID: &id,
		RuleName:      rule.Name,
		Confidence:    analysis.Confidence,
		Strategy:      analysis.Strategy,
		ElapsedMs:     time.Since(start).Milliseconds(),
	}, string(stdErr.Code), start)
	return stdErr
}

func (s *Service) finish(ctx context.Context, requestID string, analysis models.QueryAnalysis, resp *models.QueryResponse, outcome string, start time.Time) {
	elapsed := time.Since(start)
	metrics.QuestionsTotal.WithLabelValues(outcome).Inc()
	s.obs.RecordQuestion(ctx, elapsed, outcome)
	s.telemetry.Record(newAnalysisEvent(requestID, analysis, resp, outcome, time.Now()))
}

// recommend suggests the most used active rules in the question's domains.
func (s *Service) recommend(analysis models.QueryAnalysis, active []models.IntentRule) []string {
	out := []string{NoDataHint}

	var categories []models.Category
	for _, d := range analysis.InvolvedDomains {
		if c := models.Category(d); c.Valid() {
			categories = append(categories, c)
		}
	}
	for _, r := range s.matcher.TopRules(active, categories, maxRuleSuggestions) {
		suggestion := "Try asking about " + r.Name
		if r.Description != "" {
			suggestion += ": " + r.Description
		}
		out = append(out, suggestion)
	}
	return out
}
