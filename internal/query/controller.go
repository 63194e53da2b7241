package query

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"call-insights-go/internal/logger"
	"call-insights-go/internal/observe"
	"call-insights-go/internal/types"
)

var ErrQueryInFlight = errors.New("a query is already in flight")

// Asker is satisfied by *Client.
type Asker interface {
	Ask(ctx context.Context, text string) (string, error)
}

// Controller holds the single live chat exchange. Each submission overwrites
// the previous one; only one submission may be in flight.
type Controller struct {
	asker   Asker
	log     *logrus.Entry
	metrics *observe.Metrics

	mu       sync.Mutex
	state    types.QueryState
	exchange types.QueryExchange
}

func NewController(a Asker, m *observe.Metrics) *Controller {
	return &Controller{
		asker:   a,
		metrics: m,
		log:     logger.New().Component("query-controller"),
		state:   types.QueryIdle,
	}
}

// Submit asks the model and records the exchange. Model failures end in the
// failed state with an empty response; they are logged, not returned. Only
// caller mistakes (empty text, overlapping submits) are errors.
func (c *Controller) Submit(ctx context.Context, text string) (types.QueryView, error) {
	if strings.TrimSpace(text) == "" {
		return c.View(), ErrEmptyQuery
	}
	c.mu.Lock()
	if c.state == types.QueryLoading {
		c.mu.Unlock()
		return c.View(), ErrQueryInFlight
	}
	c.state = types.QueryLoading
	c.exchange = types.QueryExchange{InputText: text}
	c.mu.Unlock()

	start := time.Now()
	resp, err := c.asker.Ask(ctx, text)
	elapsed := time.Since(start)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.log.WithField("error", err.Error()).WithField("duration_ms", elapsed.Milliseconds()).Warn("query failed")
		c.metrics.RecordQuery(ctx, "error", elapsed)
		c.state = types.QueryFailed
		c.exchange.ResponseText = ""
		return c.viewLocked(), nil
	}
	c.metrics.RecordQuery(ctx, "ok", elapsed)
	c.state = types.QueryAnswered
	c.exchange.ResponseText = resp
	return c.viewLocked(), nil
}

func (c *Controller) View() types.QueryView {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

func (c *Controller) viewLocked() types.QueryView {
	return types.QueryView{State: c.state, QueryExchange: c.exchange}
}
