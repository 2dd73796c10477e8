package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/bft-labs/niftysave/internal/domain"
	"github.com/bft-labs/niftysave/internal/ports"
)

// Events are read in two phases, mints then transfers, each paged by a keyset
// cursor on the entity id. Timestamps are unix seconds.
const (
	tokenFields    = `id tokenID tokenURI mintTime blockNumber contract { id name symbol supportsEIP721Metadata } owner { id }`
	transferFields = `id timestamp blockNumber transaction from { id } to { id } token { id tokenID contract { id } }`

	tokensSelection    = `tokens(first: $first, where: {mintTime_gte: $start, mintTime_lt: $end, id_gt: $after}, orderBy: id, orderDirection: asc) { ` + tokenFields + ` }`
	transfersSelection = `transfers(first: $first, where: {timestamp_gte: $start, timestamp_lt: $end, id_gt: $after}, orderBy: id, orderDirection: asc) { ` + transferFields + ` }`

	queryArgs = `($first: Int!, $start: BigInt!, $end: BigInt!, $after: ID!)`

	// firstPageQuery reads the head of both phases so a fresh slice can be
	// sized from one request.
	firstPageQuery = `query FirstPage` + queryArgs + ` { ` + tokensSelection + ` ` + transfersSelection + ` }`
	tokensQuery    = `query Tokens` + queryArgs + ` { ` + tokensSelection + ` }`
	transfersQuery = `query Transfers` + queryArgs + ` { ` + transfersSelection + ` }`
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 32 << 20

// maxFirst is the largest `first` argument graph-node accepts.
const maxFirst = 1000

// MaxPageSize is the largest page Query serves. One slot of maxFirst is kept
// for the lookahead entity that detects a following page.
const MaxPageSize = maxFirst - 1

// SubgraphConfig configures a SubgraphSource.
type SubgraphConfig struct {
	// URL is the GraphQL endpoint.
	URL string

	// RequestsPerSecond caps the request rate. Zero disables the limit.
	RequestsPerSecond float64

	// Burst is the limiter bucket size. Defaults to 1.
	Burst int
}

// SubgraphSource implements ports.SubgraphSource against a The Graph endpoint.
type SubgraphSource struct {
	url     string
	client  ports.HTTPClient
	limiter *rate.Limiter
	logger  ports.Logger
}

// NewSubgraphSource creates a source. client should carry the request timeout.
func NewSubgraphSource(cfg SubgraphConfig, client ports.HTTPClient, logger ports.Logger) *SubgraphSource {
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &SubgraphSource{
		url:     cfg.URL,
		client:  client,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLError struct {
	Message string `json:"message"`
}

type eventsResponse struct {
	Data struct {
		Tokens    []json.RawMessage `json:"tokens"`
		Transfers []json.RawMessage `json:"transfers"`
	} `json:"data"`
	Errors []graphQLError `json:"errors"`
}

type eventHeader struct {
	ID        string `json:"id"`
	MintTime  string `json:"mintTime"`
	Timestamp string `json:"timestamp"`
}

// pageCursor is the decoded form of the compound domain.Cursor
// "<kind>:<last id>". The zero cursor starts the mint phase.
type pageCursor struct {
	kind  domain.EntityKind
	after string
}

func parseCursor(c domain.Cursor) (pageCursor, error) {
	if c.IsZero() {
		return pageCursor{kind: domain.EntityMint}, nil
	}
	kind, after, ok := strings.Cut(string(c), ":")
	switch domain.EntityKind(kind) {
	case domain.EntityMint, domain.EntityTransfer:
		if ok {
			return pageCursor{kind: domain.EntityKind(kind), after: after}, nil
		}
	}
	return pageCursor{}, fmt.Errorf("unrecognized cursor %q", c)
}

func (c pageCursor) encode() domain.Cursor {
	return domain.Cursor(string(c.kind) + ":" + c.after)
}

// Query fetches one page of mint and transfer events. It asks for one more
// entity than pageSize to learn whether another page follows; pageSize is
// capped at MaxPageSize. The subgraph exposes no counts, so ApproxCount is
// known only on the first page of a slice and only when neither phase
// overflows it.
func (s *SubgraphSource) Query(ctx context.Context, slice domain.TimeSlice, cursor domain.Cursor, pageSize int) (ports.Page, error) {
	if pageSize <= 0 {
		return ports.Page{}, fmt.Errorf("page size %d must be positive", pageSize)
	}
	pageSize = min(pageSize, MaxPageSize)

	cur, err := parseCursor(cursor)
	if err != nil {
		return ports.Page{}, err
	}
	query := tokensQuery
	switch {
	case cursor.IsZero():
		query = firstPageQuery
	case cur.kind == domain.EntityTransfer:
		query = transfersQuery
	}

	started := time.Now()
	decoded, err := s.post(ctx, query, map[string]any{
		"first": pageSize + 1,
		"start": strconv.FormatInt(ceilUnix(slice.Start), 10),
		"end":   strconv.FormatInt(ceilUnix(slice.End), 10),
		"after": cur.after,
	})
	if err != nil {
		return ports.Page{}, err
	}

	var page ports.Page
	switch {
	case cursor.IsZero():
		page, err = firstPage(decoded.Data.Tokens, decoded.Data.Transfers, pageSize)
	case cur.kind == domain.EntityTransfer:
		page, err = phasePage(decoded.Data.Transfers, domain.EntityTransfer, pageSize)
	default:
		page, err = phasePage(decoded.Data.Tokens, domain.EntityMint, pageSize)
	}
	if err != nil {
		return ports.Page{}, err
	}

	s.logger.Debug("subgraph page",
		ports.String("slice", slice.String()),
		ports.String("cursor", string(cursor)),
		ports.String("next", string(page.NextCursor)),
		ports.Int("entities", len(page.Entities)),
		ports.Duration("took", time.Since(started)),
	)
	return page, nil
}

func (s *SubgraphSource) post(ctx context.Context, query string, vars map[string]any) (eventsResponse, error) {
	var decoded eventsResponse
	if err := s.limiter.Wait(ctx); err != nil {
		return decoded, fmt.Errorf("rate limit: %w", err)
	}

	body, err := json.Marshal(graphQLRequest{Query: query, Variables: vars})
	if err != nil {
		return decoded, fmt.Errorf("marshal query: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return decoded, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return decoded, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return decoded, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return decoded, fmt.Errorf("subgraph returned %d: %s", resp.StatusCode, truncate(string(raw), 256))
	}

	if err := json.Unmarshal(raw, &decoded); err != nil {
		return decoded, fmt.Errorf("decode response: %w", err)
	}
	if len(decoded.Errors) > 0 {
		msgs := make([]string, len(decoded.Errors))
		for i, e := range decoded.Errors {
			msgs[i] = e.Message
		}
		return decoded, errors.New("subgraph errors: " + strings.Join(msgs, "; "))
	}
	return decoded, nil
}

// firstPage serves both phases at once when they fit together, and otherwise
// falls back to the mint phase.
func firstPage(mints, transfers []json.RawMessage, pageSize int) (ports.Page, error) {
	overflow := len(mints) > pageSize || len(transfers) > pageSize
	total := len(mints) + len(transfers)

	if !overflow && total <= pageSize {
		entities, err := toEntities(mints, domain.EntityMint)
		if err != nil {
			return ports.Page{}, err
		}
		more, err := toEntities(transfers, domain.EntityTransfer)
		if err != nil {
			return ports.Page{}, err
		}
		return ports.Page{Entities: append(entities, more...), ApproxCount: total}, nil
	}

	page, err := phasePage(mints, domain.EntityMint, pageSize)
	if err != nil {
		return ports.Page{}, err
	}
	if !overflow {
		page.ApproxCount = total
	}
	return page, nil
}

// phasePage builds a page from one phase. The mint phase hands over to the
// transfer phase once it is exhausted.
func phasePage(raws []json.RawMessage, kind domain.EntityKind, pageSize int) (ports.Page, error) {
	more := len(raws) > pageSize
	if more {
		raws = raws[:pageSize]
	}
	entities, err := toEntities(raws, kind)
	if err != nil {
		return ports.Page{}, err
	}

	page := ports.Page{Entities: entities, ApproxCount: ports.UnknownCount}
	switch {
	case more:
		page.NextCursor = pageCursor{kind: kind, after: entities[len(entities)-1].ID}.encode()
	case kind == domain.EntityMint:
		page.NextCursor = pageCursor{kind: domain.EntityTransfer}.encode()
	}
	return page, nil
}

func toEntities(raws []json.RawMessage, kind domain.EntityKind) ([]domain.Entity, error) {
	out := make([]domain.Entity, 0, len(raws))
	for _, raw := range raws {
		e, err := toEntity(raw, kind)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func toEntity(raw json.RawMessage, kind domain.EntityKind) (domain.Entity, error) {
	var h eventHeader
	if err := json.Unmarshal(raw, &h); err != nil {
		return domain.Entity{}, fmt.Errorf("decode %s: %w", kind, err)
	}
	if h.ID == "" {
		return domain.Entity{}, fmt.Errorf("decode %s: missing id", kind)
	}
	ts := h.MintTime
	if kind == domain.EntityTransfer {
		ts = h.Timestamp
	}
	secs, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return domain.Entity{}, fmt.Errorf("decode %s %s: time %q: %w", kind, h.ID, ts, err)
	}
	return domain.Entity{
		ID:        h.ID,
		Kind:      kind,
		Timestamp: time.Unix(secs, 0).UTC(),
		Payload:   append(json.RawMessage(nil), raw...),
	}, nil
}

// ceilUnix rounds t up to whole seconds, so [ceil(start), ceil(end)) selects
// exactly the integral timestamps inside [start, end).
func ceilUnix(t time.Time) int64 {
	secs := t.Unix()
	if t.Nanosecond() > 0 {
		secs++
	}
	return secs
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ ports.SubgraphSource = (*SubgraphSource)(nil)
