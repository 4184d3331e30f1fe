package crawlerkit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const backendSolr = "solr"

// SolrError is a non-2xx response from Solr.
type SolrError struct {
	StatusCode int
	Message    string
}

func (e *SolrError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("solr: HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("solr: HTTP %d: %s", e.StatusCode, e.Message)
}

// SearchIndex writes to and queries one Solr core over its JSON API.
// Writes are all-or-nothing per call and are committed immediately.
type SearchIndex struct {
	instrumentation
	cfg     SolrConfig
	base    *url.URL
	client  *http.Client
	breaker *CircuitBreaker
}

// NewSearchIndex prepares a client for the core at cfg.URL. No request is
// made; use CheckConnection to test the core.
func NewSearchIndex(cfg SolrConfig, logger Logger) (*SearchIndex, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	base, err := url.Parse(strings.TrimSuffix(cfg.URL, "/") + "/")
	if err != nil {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{"field": "URL", "reason": err.Error()})
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultSolrTimeout
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultSolrPageSize
	}
	s := &SearchIndex{
		instrumentation: newInstrumentation(backendSolr, logger),
		cfg:             cfg,
		base:            base,
		client:          &http.Client{Timeout: timeout},
	}
	if cfg.BreakerFailures > 0 {
		reset := cfg.BreakerReset
		if reset <= 0 {
			reset = 30 * time.Second
		}
		s.SetCircuitBreaker(NewCircuitBreaker(cfg.BreakerFailures, reset))
	}
	return s, nil
}

// Classify maps HTTP statuses and transport errors to the shared taxonomy.
func (s *SearchIndex) Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	if kind := KindOf(err); kind != KindUnknown {
		return kind
	}
	var solrErr *SolrError
	if errors.As(err, &solrErr) {
		switch code := solrErr.StatusCode; {
		case code == http.StatusConflict:
			return KindDuplicateKey
		case code == http.StatusUnauthorized, code == http.StatusForbidden,
			code == http.StatusNotFound, code == http.StatusServiceUnavailable:
			return KindConnection
		case code == http.StatusBadRequest, code >= 500:
			return KindQuery
		}
		return KindUnknown
	}
	if kind, ok := classifyTransport(err); ok {
		return kind
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return KindQuery
	}
	return KindUnknown
}

func (s *SearchIndex) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return classified(s.Classify(err), backendSolr, op, err)
}

func (s *SearchIndex) newRequest(ctx context.Context, method, path string, query url.Values, body io.Reader) (*http.Request, error) {
	u := s.base.ResolveReference(&url.URL{Path: path})
	if query != nil {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// SetCircuitBreaker routes every request through cb. Only connection-class
// failures count towards opening it.
func (s *SearchIndex) SetCircuitBreaker(cb *CircuitBreaker) {
	s.breaker = cb.WithFailureFilter(func(err error) bool {
		return s.Classify(err) == KindConnection
	}).WithStateChangeCallback(func(from, to string) {
		s.logger.Warn("solr circuit breaker changed state", "core", s.cfg.String(), "from", from, "to", to)
	})
}

// do sends the request and decodes a 2xx body into out.
func (s *SearchIndex) do(req *http.Request, out interface{}) error {
	if s.breaker == nil {
		return s.send(req, out)
	}
	return s.breaker.Execute(func() error { return s.send(req, out) })
}

func (s *SearchIndex) send(req *http.Request, out interface{}) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &SolrError{StatusCode: resp.StatusCode, Message: solrErrorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// solrErrorMessage extracts error.msg from a Solr error body, falling back
// to the raw text.
func solrErrorMessage(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, 64<<10))
	var parsed struct {
		Error struct {
			Msg string `json:"msg"`
		} `json:"error"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Msg != "" {
		return parsed.Error.Msg
	}
	return strings.TrimSpace(string(raw))
}

func (s *SearchIndex) postUpdate(ctx context.Context, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return validationError(backendSolr, "update", "encode payload: %v", err)
	}
	req, err := s.newRequest(ctx, http.MethodPost, "update", url.Values{"commit": {"true"}}, bytes.NewReader(body))
	if err != nil {
		return err
	}
	return s.do(req, nil)
}

// Create indexes records in one committed update. Records without an id
// are given a UUIDv7, written back into the record. A failure aborts the
// whole call.
func (s *SearchIndex) Create(ctx context.Context, records []Record) error {
	const op = "create"
	if err := validateRecords(backendSolr, op, records); err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}
	var generated []int
	for i, rec := range records {
		if _, ok := rec[DefaultSolrIDField]; !ok {
			rec[DefaultSolrIDField] = NewID()
			generated = append(generated, i)
		}
	}

	start := time.Now()
	report := BulkReport{Operation: op, Target: s.cfg.String(), Total: len(records)}
	s.observer.BulkStarted(op, report.Target, len(records))
	s.metrics.Histogram(MetricBulkSize, float64(len(records)), s.tags(op)...)

	err := s.wrap(op, s.postUpdate(ctx, records))
	s.done(op, start, err)
	if err != nil {
		report.Error = len(records)
		for _, rec := range records {
			out := failedOutcome(rec.Identity(DefaultSolrIDField), err)
			out.Tag = OutcomeError
			s.recordOutcome(op, report.Target, out)
		}
		// nothing was committed, so the caller gets its records back as given
		for _, i := range generated {
			delete(records[i], DefaultSolrIDField)
		}
		s.fail(op, err, "core", s.cfg.String(), "records", len(records))
	} else {
		report.Success = len(records)
		for _, rec := range records {
			s.recordOutcome(op, report.Target, successOutcome(rec.Identity(DefaultSolrIDField)))
		}
	}
	s.finishBulk(report, start)
	return err
}

type solrSelectResponse struct {
	Response struct {
		NumFound int      `json:"numFound"`
		Start    int      `json:"start"`
		Docs     []Record `json:"docs"`
	} `json:"response"`
}

// Retrieve runs a Solr query and returns every matching document,
// fetching PageSize documents per request.
func (s *SearchIndex) Retrieve(ctx context.Context, queryText string) ([]Record, error) {
	const op = "retrieve"
	if strings.TrimSpace(queryText) == "" {
		return nil, validationError(backendSolr, op, "query text is required")
	}

	start := time.Now()
	docs, err := s.retrieveAll(ctx, queryText)
	err = s.wrap(op, err)
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "query", queryText)
		return nil, err
	}

	s.metrics.Histogram(MetricRetrieveResults, float64(len(docs)), s.tags(op)...)
	s.logger.Debug("retrieved documents", "query", queryText, "count", len(docs))
	return docs, nil
}

func (s *SearchIndex) retrieveAll(ctx context.Context, queryText string) ([]Record, error) {
	docs := []Record{}
	offset := 0
	for {
		q := url.Values{
			"q":     {queryText},
			"start": {strconv.Itoa(offset)},
			"rows":  {strconv.Itoa(s.cfg.PageSize)},
			"wt":    {"json"},
		}
		req, err := s.newRequest(ctx, http.MethodGet, "select", q, nil)
		if err != nil {
			return nil, err
		}
		var page solrSelectResponse
		if err := s.do(req, &page); err != nil {
			return nil, err
		}

		docs = append(docs, page.Response.Docs...)
		offset += len(page.Response.Docs)
		if len(page.Response.Docs) == 0 || offset >= page.Response.NumFound {
			return docs, nil
		}
	}
}

// Delete removes the documents with the given ids in one committed update.
func (s *SearchIndex) Delete(ctx context.Context, ids []string) error {
	const op = "delete"
	if len(ids) == 0 {
		return validationError(backendSolr, op, "at least one id is required")
	}

	start := time.Now()
	err := s.wrap(op, s.postUpdate(ctx, map[string]interface{}{"delete": ids}))
	s.done(op, start, err)
	if err != nil {
		s.fail(op, err, "ids", len(ids))
		return err
	}
	s.logger.Debug("deleted documents", "core", s.cfg.String(), "count", len(ids))
	return nil
}

// CheckConnection calls admin/ping; it never returns an error.
func (s *SearchIndex) CheckConnection(ctx context.Context) bool {
	req, err := s.newRequest(ctx, http.MethodGet, "admin/ping", url.Values{"wt": {"json"}}, nil)
	if err != nil {
		return false
	}
	var ping struct {
		Status string `json:"status"`
	}
	if err := s.do(req, &ping); err != nil {
		s.logger.Warn("search index ping failed", "core", s.cfg.String(), "error", err)
		return false
	}
	return ping.Status == "OK"
}
