package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

// orderLinkTemplate synthesizes an add-order link for a freshly listed item:
// itemID, quantity, skuID.
const orderLinkTemplate = "https://weidian.com/buy/add-order/index.php?items=%s_%d_0_%s&source_id=6df14f35dae7e6e49e1a944cd2ad4adf"

// ExecuteWatch polls a seller's listing until an item matching the job's
// keywords appears, then converts the job into a full purchase race against
// the new item.
func (e *Engine) ExecuteWatch(ctx context.Context, job *domain.Job) {
	defer e.recoverFault(ctx, job)

	shopID := shopIDFromLink(job.Link)
	if shopID == "" {
		e.settleFault(ctx, job, fmt.Errorf("watch link carries no seller id: %s", job.Link))
		return
	}

	itemKeys, skuKeys := splitKeyword(job.Keyword)
	interval := listingPollInterval(job.FrequencyMs)
	startEpochMs := job.StartTime.UnixMilli()

	e.logger.Info("Listing watcher starting",
		slog.Int64("job_id", job.ID),
		slog.String("shop_id", shopID),
		slog.String("keyword", job.Keyword),
	)

	for {
		if !job.EndTime.IsZero() && e.now().After(job.EndTime) {
			e.settleTimeout(ctx, job)
			return
		}
		if ctx.Err() != nil {
			e.settleTimeout(ctx, job)
			return
		}

		body, err := e.transport.FetchListing(ctx, shopID)
		if err != nil {
			e.logger.Debug("Listing probe failed",
				slog.Int64("job_id", job.ID),
				slog.Any("error", err),
			)
		} else if item, ok := matchListing(body, startEpochMs, itemKeys); ok {
			e.raceFoundItem(ctx, job, item, skuKeys)
			return
		}

		e.sleep(ctx, interval)
	}
}

// raceFoundItem notifies the user and runs the purchase race against the
// matched item.
func (e *Engine) raceFoundItem(ctx context.Context, job *domain.Job, item listedItem, skuKeys []string) {
	skuID := e.matchSku(ctx, item.ItemID, skuKeys)
	orderLink := fmt.Sprintf(orderLinkTemplate, item.ItemID, job.Quantity, skuID)

	e.logger.Info("Watched item found",
		slog.Int64("job_id", job.ID),
		slog.String("item_id", item.ItemID),
		slog.String("item_title", item.Title),
		slog.String("sku_id", skuID),
	)

	e.notifier.NotifyItemFound(job, item.Title, orderLink)

	// The race builds its parameters from the synthesized link; whatever the
	// watch job stored is for the old target.
	job.Link = orderLink
	job.OrderParameters = ""

	if err := e.prepareParameters(ctx, job); err != nil {
		e.settleFault(ctx, job, err)
		return
	}
	e.runAttempts(ctx, job, 0)
}

// matchSku picks the SKU to buy: first in-stock SKU whose title matches the
// keys, else the first SKU, else "0" for items without variants. Probe
// failures also fall back to "0"; a wrong SKU guess still beats missing the
// window.
func (e *Engine) matchSku(ctx context.Context, itemID string, keys []string) string {
	body, err := e.transport.FetchSkuInfo(ctx, itemID)
	if err != nil {
		e.logger.Debug("SKU probe failed, defaulting",
			slog.String("item_id", itemID),
			slog.Any("error", err),
		)
		return "0"
	}

	var resp struct {
		Result struct {
			SkuInfos []struct {
				ID    json.Number `json:"id"`
				Title string      `json:"title"`
				Stock int64       `json:"stock"`
			} `json:"skuInfos"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "0"
	}

	skus := resp.Result.SkuInfos
	if len(skus) == 0 {
		return "0"
	}
	for _, sku := range skus {
		if sku.Stock > 0 && matchesKeys(sku.Title, keys) {
			return sku.ID.String()
		}
	}
	return skus[0].ID.String()
}
