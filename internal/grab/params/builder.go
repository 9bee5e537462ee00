// Package params builds the vendor order-parameter blob from catalog data.
// The engine treats the builder as an external collaborator; it only cares
// that a blob comes back or does not.
package params

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

// Builder produces the order-parameter blob an order submission carries.
type Builder interface {
	// BuildOrderParameters assembles parameters from the given catalog
	// data. includeInvalid also folds in items the vendor currently marks
	// invalid, which matters before a sale opens: the item is "invalid"
	// right up to zero-hour.
	BuildOrderParameters(job *domain.Job, catalog json.RawMessage, includeInvalid bool) (json.RawMessage, error)
}

type catalogItem struct {
	ItemID   string          `json:"item_id"`
	Quantity int             `json:"quantity"`
	SkuID    string          `json:"item_sku_id"`
	Price    float64         `json:"price"`
	OriPrice *float64        `json:"ori_price,omitempty"`
	Convey   json.RawMessage `json:"item_convey_info,omitempty"`
}

type catalogShop struct {
	ShopID          string          `json:"shop_id"`
	ItemList        []catalogItem   `json:"item_list"`
	InvalidItemList []catalogItem   `json:"invalid_item_list"`
	ExpressList     json.RawMessage `json:"express_list,omitempty"`
}

type catalogData struct {
	ShopList        []catalogShop   `json:"shop_list"`
	InvalidShopList []catalogShop   `json:"invalid_shop_list"`
	BuyerInfo       json.RawMessage `json:"buyer_info,omitempty"`
	AddressInfo     json.RawMessage `json:"address_info,omitempty"`
	SourceID        string          `json:"source_id,omitempty"`
}

// CatalogBuilder assembles order parameters straight from the vendor's
// add-order catalog payload.
type CatalogBuilder struct {
	logger *slog.Logger
}

// NewCatalogBuilder creates the default parameter builder.
func NewCatalogBuilder(logger *slog.Logger) *CatalogBuilder {
	return &CatalogBuilder{logger: logger}
}

// BuildOrderParameters flattens the catalog's shop and item lists into the
// parameter shape CreateOrder expects, carrying prices, totals and the
// buyer's address through unchanged.
func (b *CatalogBuilder) BuildOrderParameters(job *domain.Job, catalog json.RawMessage, includeInvalid bool) (json.RawMessage, error) {
	if len(catalog) == 0 {
		return nil, domain.ErrNoCatalogData
	}

	var data catalogData
	if err := json.Unmarshal(catalog, &data); err != nil {
		return nil, fmt.Errorf("failed to parse catalog data: %w", err)
	}

	shops := data.ShopList
	if includeInvalid {
		shops = append(data.InvalidShopList, shops...)
	}

	var (
		outShops   []map[string]any
		totalPrice float64
	)
	for _, shop := range shops {
		items := shop.ItemList
		if includeInvalid {
			items = append(shop.InvalidItemList, items...)
		}
		if len(items) == 0 {
			continue
		}

		var (
			outItems  []catalogItem
			shopPrice float64
		)
		for _, item := range items {
			if item.Quantity == 0 {
				item.Quantity = job.Quantity
			}
			if item.OriPrice == nil {
				price := item.Price
				item.OriPrice = &price
			}
			outItems = append(outItems, item)
			shopPrice += item.Price * float64(item.Quantity)
		}

		outShop := map[string]any{
			"shop_id":   shop.ShopID,
			"item_list": outItems,
			"price":     shopPrice,
		}
		if len(shop.ExpressList) > 0 {
			outShop["express_list"] = shop.ExpressList
		}
		outShops = append(outShops, outShop)
		totalPrice += shopPrice
	}

	if len(outShops) == 0 {
		b.logger.Warn("Catalog data carries no purchasable items",
			slog.Int64("job_id", job.ID),
		)
		return nil, domain.ErrNoCatalogData
	}

	blob := map[string]any{
		"shop_list":       outShops,
		"total_pay_price": totalPrice,
	}
	if len(data.BuyerInfo) > 0 {
		blob["buyer_info"] = data.BuyerInfo
	}
	if len(data.AddressInfo) > 0 {
		blob["address_info"] = data.AddressInfo
	}
	if data.SourceID != "" {
		blob["source_id"] = data.SourceID
	}

	out, err := json.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode order parameters: %w", err)
	}
	return out, nil
}
