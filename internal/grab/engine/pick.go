package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
	"github.com/Berry-MI/quickgrab/internal/grab/transport"
)

const (
	// pollIntervalMargin is shaved off the user-requested frequency so the
	// next probe is in flight slightly before the period elapses. The
	// listing watcher shaves a smaller margin.
	pollIntervalMargin    = 150 * time.Millisecond
	listingIntervalMargin = 100 * time.Millisecond
	minPollInterval       = 100 * time.Millisecond
)

// Stock codes the cart endpoint answers with. Zero and "limit reached" both
// mean the item is addable right now; code 12 means the item needs SKU-level
// checking instead.
const (
	stockCodeOK           = 0
	stockCodeLimitReached = 3
	stockCodeNeedsSku     = 12
)

func pollInterval(frequencyMs int64) time.Duration {
	interval := time.Duration(frequencyMs)*time.Millisecond - pollIntervalMargin
	if interval < minPollInterval {
		interval = minPollInterval
	}
	return interval
}

func listingPollInterval(frequencyMs int64) time.Duration {
	interval := time.Duration(frequencyMs)*time.Millisecond - listingIntervalMargin
	if interval < minPollInterval {
		interval = minPollInterval
	}
	return interval
}

// ExecutePick polls the target item's stock and fires the attempt loop the
// moment the item becomes addable. It runs until stock appears, the job's end
// time passes or the context is cancelled.
func (e *Engine) ExecutePick(ctx context.Context, job *domain.Job) {
	defer e.recoverFault(ctx, job)

	e.logger.Info("Stock poller starting",
		slog.Int64("job_id", job.ID),
		slog.Int64("frequency_ms", job.FrequencyMs),
	)

	if err := e.prepareParameters(ctx, job); err != nil && job.OrderParameters == "" {
		e.settleFault(ctx, job, err)
		return
	}

	item, err := transport.FirstItemRef(job.OrderParameters)
	if err != nil {
		e.settleFault(ctx, job, err)
		return
	}
	if item.Quantity <= 0 {
		item.Quantity = job.Quantity
	}

	interval := pollInterval(job.FrequencyMs)

	for {
		if !job.EndTime.IsZero() && e.now().After(job.EndTime) {
			e.settleTimeout(ctx, job)
			return
		}
		if ctx.Err() != nil {
			e.settleTimeout(ctx, job)
			return
		}

		if e.stockAvailable(ctx, job, item) {
			e.runAttempts(ctx, job, 0)
			return
		}

		e.sleep(ctx, interval)
	}
}

// stockAvailable runs one stock probe. Probe failures are logged and count as
// "no stock"; the poller just tries again next period.
func (e *Engine) stockAvailable(ctx context.Context, job *domain.Job, item transport.ItemRef) bool {
	body, err := e.transport.CheckStock(ctx, item)
	if err != nil {
		e.logger.Debug("Stock probe failed",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return false
	}

	var resp struct {
		Status struct {
			Code int `json:"code"`
		} `json:"status"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		e.logger.Debug("Stock probe returned unparseable body",
			slog.Int64("job_id", job.ID),
		)
		return false
	}

	switch resp.Status.Code {
	case stockCodeOK, stockCodeLimitReached:
		return true
	case stockCodeNeedsSku:
		return e.skuStockAvailable(ctx, job, item)
	default:
		return false
	}
}

// skuStockAvailable falls back to SKU-level stock for items the cart probe
// cannot answer for. A SKU id of "0" (or none) means the item has no variants
// and the item-level stock counts.
func (e *Engine) skuStockAvailable(ctx context.Context, job *domain.Job, item transport.ItemRef) bool {
	body, err := e.transport.FetchSkuInfo(ctx, item.ItemID)
	if err != nil {
		e.logger.Debug("SKU stock probe failed",
			slog.Int64("job_id", job.ID),
			slog.Any("error", err),
		)
		return false
	}

	var resp struct {
		Result struct {
			ItemStock int64 `json:"itemStock"`
			SkuInfos  []struct {
				ID    json.Number `json:"id"`
				Stock int64       `json:"stock"`
			} `json:"skuInfos"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}

	if item.SkuID == "" || item.SkuID == "0" {
		return resp.Result.ItemStock > 0
	}
	for _, sku := range resp.Result.SkuInfos {
		if sku.ID.String() == item.SkuID {
			return sku.Stock > 0
		}
	}
	return false
}
