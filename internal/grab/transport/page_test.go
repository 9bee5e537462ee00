package transport

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

const orderPage = `<!DOCTYPE html>
<html>
<head><title>确认订单</title></head>
<body>
<script id="__rocker-render-inject__" type="application/json" data-obj="{&quot;order&quot;:{&quot;status&quot;:{&quot;message&quot;:&quot;OK&quot;},&quot;result&quot;:{&quot;shop_list&quot;:[{&quot;shop_id&quot;:&quot;88001&quot;,&quot;item_list&quot;:[{&quot;item_id&quot;:&quot;7001&quot;,&quot;item_sku_id&quot;:&quot;0&quot;,&quot;quantity&quot;:1}]}]}},&quot;confirmOrderParam&quot;:{&quot;token&quot;:&quot;abc&quot;}}"></script>
</body>
</html>`

func TestExtractOrderData(t *testing.T) {
	t.Run("extracts and merges confirm parameters", func(t *testing.T) {
		data, err := extractOrderData([]byte(orderPage))
		require.NoError(t, err)

		var result struct {
			ShopList []struct {
				ShopID string `json:"shop_id"`
			} `json:"shop_list"`
			ConfirmOrderParam struct {
				Token string `json:"token"`
			} `json:"confirmOrderParam"`
		}
		require.NoError(t, json.Unmarshal(data, &result))

		require.Len(t, result.ShopList, 1)
		assert.Equal(t, "88001", result.ShopList[0].ShopID)
		assert.Equal(t, "abc", result.ConfirmOrderParam.Token)
	})

	t.Run("page without marker", func(t *testing.T) {
		_, err := extractOrderData([]byte(`<html><body>nothing here</body></html>`))
		assert.ErrorIs(t, err, domain.ErrNoCatalogData)
	})

	t.Run("order status not OK", func(t *testing.T) {
		page := `<script id="__rocker-render-inject__" data-obj="{&quot;order&quot;:{&quot;status&quot;:{&quot;message&quot;:&quot;FAIL&quot;},&quot;result&quot;:null}}"></script>`
		_, err := extractOrderData([]byte(page))
		assert.ErrorIs(t, err, domain.ErrNoCatalogData)
	})

	t.Run("no confirm parameters leaves result untouched", func(t *testing.T) {
		page := `<script id="__rocker-render-inject__" data-obj="{&quot;order&quot;:{&quot;status&quot;:{&quot;message&quot;:&quot;OK&quot;},&quot;result&quot;:{&quot;shop_list&quot;:[]}}}"></script>`
		data, err := extractOrderData([]byte(page))
		require.NoError(t, err)
		assert.JSONEq(t, `{"shop_list":[]}`, string(data))
	})
}

func TestFirstItemRef(t *testing.T) {
	t.Run("first item of first shop", func(t *testing.T) {
		params := `{"shop_list":[{"item_list":[{"item_id":"7001","item_sku_id":"901","quantity":2},{"item_id":"7002"}]}]}`

		item, err := FirstItemRef(params)
		require.NoError(t, err)
		assert.Equal(t, "7001", item.ItemID)
		assert.Equal(t, "901", item.SkuID)
		assert.Equal(t, 2, item.Quantity)
	})

	t.Run("empty shop list", func(t *testing.T) {
		_, err := FirstItemRef(`{"shop_list":[]}`)
		assert.Error(t, err)
	})

	t.Run("malformed parameters", func(t *testing.T) {
		_, err := FirstItemRef(`not json`)
		assert.Error(t, err)
	})
}
