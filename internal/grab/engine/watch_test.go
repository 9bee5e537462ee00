package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

func watchJob() *domain.Job {
	job := timedJob()
	job.Strategy = domain.StrategyManual
	job.Link = "https://weidian.com/?userid=5599"
	job.Keyword = "限量|红"
	job.FrequencyMs = 1000
	job.StartTime = time.Now().Add(-time.Minute)
	job.EndTime = time.Now().Add(time.Minute)
	job.Extension = ""
	job.OrderParameters = ""
	return job
}

func listingBody(addTime time.Time) string {
	return fmt.Sprintf(
		`{"result":{"itemList":[{"itemId":123456,"itemName":"限量发售","addTime":%d,"stock":5}]}}`,
		addTime.UnixMilli(),
	)
}

func TestEngine_ExecuteWatch_RacesMatchedItem(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.catalog = json.RawMessage(`{"shop_list":[{"shop_id":"5599","item_list":[{"item_id":"123456"}]}]}`)
	f.tr.listingFn = func(call int) ([]byte, error) {
		if call == 0 {
			return []byte(`{"result":{"itemList":[]}}`), nil
		}
		return []byte(listingBody(time.Now())), nil
	}
	f.tr.skuFn = func() ([]byte, error) {
		return []byte(`{"result":{"skuInfos":[{"id":901,"title":"红色","stock":3},{"id":902,"title":"蓝色","stock":4}]}}`), nil
	}
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(successBody), nil
	}

	job := watchJob()
	f.engine.ExecuteWatch(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultSuccess, result.Status)

	expectedLink := fmt.Sprintf(orderLinkTemplate, "123456", 1, "901")
	assert.Equal(t, []string{expectedLink}, f.notifier.foundItems())
	assert.Equal(t, expectedLink, job.Link)

	// The race runs on freshly built parameters, not the watch job's.
	assert.Equal(t, []string{validParams}, f.tr.submittedParams())
}

func TestEngine_ExecuteWatch_LinkWithoutSellerIDFaults(t *testing.T) {
	f := newEngineFixture(t, Config{})

	job := watchJob()
	job.Link = "https://weidian.com/item.html?itemID=123"
	f.engine.ExecuteWatch(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultFault, result.Status)
	assert.Empty(t, f.notifier.foundItems())
}

func TestEngine_ExecuteWatch_EndTimeSettlesTimeout(t *testing.T) {
	f := newEngineFixture(t, Config{})

	job := watchJob()
	job.EndTime = time.Now().Add(-time.Second)
	f.engine.ExecuteWatch(context.Background(), job)

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultRecoverable, result.Status)
	assert.Equal(t, timeoutResponseMessage, result.ResponseMessage)
}

func TestEngine_ExecuteWatch_ListingProbeFailureKeepsPolling(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.tr.catalog = json.RawMessage(`{"shop_list":[{"shop_id":"5599","item_list":[{"item_id":"123456"}]}]}`)
	f.tr.listingFn = func(call int) ([]byte, error) {
		if call == 0 {
			return nil, errors.New("listing unreachable")
		}
		return []byte(listingBody(time.Now())), nil
	}
	f.tr.skuFn = func() ([]byte, error) {
		return nil, errors.New("sku unreachable")
	}
	f.tr.submitFn = func(call int, params string) ([]byte, error) {
		return []byte(successBody), nil
	}

	f.engine.ExecuteWatch(context.Background(), watchJob())

	result := waitSettled(t, f.store, 1)
	assert.Equal(t, domain.ResultSuccess, result.Status)

	// A failed SKU probe still races, defaulting to the no-variant id.
	expectedLink := fmt.Sprintf(orderLinkTemplate, "123456", 1, "0")
	assert.Equal(t, []string{expectedLink}, f.notifier.foundItems())
}

func TestEngine_MatchSku(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		err      error
		keys     []string
		expected string
	}{
		{
			name:     "first in-stock match wins",
			body:     `{"result":{"skuInfos":[{"id":901,"title":"红色","stock":0},{"id":902,"title":"红色加大","stock":2}]}}`,
			keys:     []string{"红"},
			expected: "902",
		},
		{
			name:     "no match falls back to first sku",
			body:     `{"result":{"skuInfos":[{"id":901,"title":"蓝色","stock":1},{"id":902,"title":"绿色","stock":2}]}}`,
			keys:     []string{"红"},
			expected: "901",
		},
		{
			name:     "no keys takes first in stock",
			body:     `{"result":{"skuInfos":[{"id":901,"title":"蓝色","stock":0},{"id":902,"title":"绿色","stock":2}]}}`,
			keys:     nil,
			expected: "902",
		},
		{
			name:     "no variants",
			body:     `{"result":{"skuInfos":[]}}`,
			keys:     []string{"红"},
			expected: "0",
		},
		{
			name:     "probe failure",
			err:      errors.New("timeout"),
			keys:     []string{"红"},
			expected: "0",
		},
		{
			name:     "unparseable body",
			body:     "<html></html>",
			keys:     []string{"红"},
			expected: "0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newEngineFixture(t, Config{})
			f.tr.skuFn = func() ([]byte, error) {
				if tt.err != nil {
					return nil, tt.err
				}
				return []byte(tt.body), nil
			}

			got := f.engine.matchSku(context.Background(), "123456", tt.keys)
			require.Equal(t, tt.expected, got)
		})
	}
}
