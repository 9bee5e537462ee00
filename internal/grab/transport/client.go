// Package transport is the HTTP client for the vendor's order, stock and
// listing endpoints. One client (and its connection pool) is shared
// read-only across all jobs.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Berry-MI/quickgrab/internal/grab/domain"
)

const (
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36 Edg/108.0.1462.76"
	mobileUserAgent  = "Android/9 WDAPP(WDBuyer/7.6.2) Thor/2.3.25"

	desktopReferer = "https://weidian.com/"
	mobileReferer  = "https://android.weidian.com/"

	formContentType = "application/x-www-form-urlencoded;charset=UTF-8"
)

// primaryDomain hosts the order endpoints; the mirrors spread read traffic.
const primaryDomain = "thor.weidian.com"

var defaultMirrorDomains = []string{
	"thor.weidian.com",
	"thor.mitao.cn",
	"thor.kou6ai.cn",
	"thor.bibikan.cn",
	"thor.koudai.com",
}

// Config holds vendor transport configuration.
type Config struct {
	MirrorDomains []string
	Timeout       time.Duration
}

// Client talks to the vendor endpoints.
type Client struct {
	http    *http.Client
	logger  *slog.Logger
	mirrors []string
}

// NewClient creates a vendor transport client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	mirrors := cfg.MirrorDomains
	if len(mirrors) == 0 {
		mirrors = defaultMirrorDomains
	}

	return &Client{
		http: &http.Client{
			Timeout: timeout,
		},
		logger:  logger,
		mirrors: mirrors,
	}
}

// ItemRef identifies one purchasable unit inside the order parameters.
type ItemRef struct {
	ItemID   string `json:"item_id"`
	SkuID    string `json:"item_sku_id"`
	Quantity int    `json:"quantity"`
}

// FirstItemRef extracts the first item of the first shop from an order
// parameter blob. The stock pollers key their checks off this item.
func FirstItemRef(orderParameters string) (ItemRef, error) {
	var params struct {
		ShopList []struct {
			ItemList []ItemRef `json:"item_list"`
		} `json:"shop_list"`
	}
	if err := json.Unmarshal([]byte(orderParameters), &params); err != nil {
		return ItemRef{}, fmt.Errorf("failed to parse order parameters: %w", err)
	}
	if len(params.ShopList) == 0 || len(params.ShopList[0].ItemList) == 0 {
		return ItemRef{}, fmt.Errorf("order parameters carry no items")
	}
	return params.ShopList[0].ItemList[0], nil
}

func (c *Client) randomMirror() string {
	return c.mirrors[rand.Intn(len(c.mirrors))]
}

func (c *Client) get(ctx context.Context, rawURL, cookies, userAgent, referer string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Referer", referer)
	req.Header.Set("User-Agent", userAgent)
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return body, nil
}

func (c *Client) postParam(ctx context.Context, rawURL, param, cookies string) ([]byte, error) {
	body := "param=" + url.QueryEscape(param)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", formContentType)
	req.Header.Set("Referer", mobileReferer)
	req.Header.Set("User-Agent", mobileUserAgent)
	if cookies != "" {
		req.Header.Set("Cookie", cookies)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	return respBody, nil
}

// SubmitOrder fires one order-creation request against the primary domain.
func (c *Client) SubmitOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error) {
	return c.postParam(ctx, "https://"+primaryDomain+"/vbuy/CreateOrder/1.0", orderParameters, cookies)
}

// ConfirmOrder re-confirms the order without creating it, returning the raw
// vendor response. It is non-mutating and doubles as the pre-start
// validation call.
func (c *Client) ConfirmOrder(ctx context.Context, orderParameters, cookies string) ([]byte, error) {
	return c.postParam(ctx, "https://"+c.randomMirror()+"/vbuy/ReConfirmOrder/1.0", orderParameters, cookies)
}

// CheckStock asks the cart endpoint whether the item can currently be added,
// which is the cheapest stock signal the vendor exposes.
func (c *Client) CheckStock(ctx context.Context, item ItemRef) ([]byte, error) {
	param := fmt.Sprintf(`{"itemId":"%s","source":"h5","skuId":"%s","count":%d}`, item.ItemID, item.SkuID, item.Quantity)
	u := "https://" + c.randomMirror() + "/vcart/addCart/2.0?param=" + url.QueryEscape(param)
	return c.get(ctx, u, "", desktopUserAgent, desktopReferer)
}

// FetchSkuInfo returns SKU-level stock for one item, for items that reject
// the cart-based stock check.
func (c *Client) FetchSkuInfo(ctx context.Context, itemID string) ([]byte, error) {
	param := fmt.Sprintf(`{"itemId":"%s"}`, itemID)
	u := "https://" + c.randomMirror() + "/detail/getItemSkuInfo/1.0?param=" + url.QueryEscape(param)
	return c.get(ctx, u, "", desktopUserAgent, desktopReferer)
}

// FetchListing returns the seller's live item listing, newest first.
func (c *Client) FetchListing(ctx context.Context, shopID string) ([]byte, error) {
	param := fmt.Sprintf(`{"shopId":"%s","tabId":3,"sortOrder":"desc","offset":0,"limit":20,"from":"h5","showItemTag":false}`, shopID)
	u := "https://" + c.randomMirror() + "/decorate/shopDetail.tab.getItemList/1.0?param=" + url.QueryEscape(param)
	return c.get(ctx, u, "", desktopUserAgent, desktopReferer)
}

// FetchCatalogData loads the job's add-order page and extracts the embedded
// order data object the parameter builder works from.
func (c *Client) FetchCatalogData(ctx context.Context, job *domain.Job) (json.RawMessage, error) {
	body, err := c.get(ctx, job.Link, job.Cookies, desktopUserAgent, desktopReferer)
	if err != nil {
		return nil, err
	}
	return extractOrderData(body)
}

// MeasureDelay probes the exhibit endpoint and returns the symmetric
// clock-offset sample serverTime − (sentAt+receivedAt)/2 in milliseconds.
func (c *Client) MeasureDelay(ctx context.Context, job *domain.Job) (int64, error) {
	param := `{"exhibitCode":"h5_activity","pageSize":10}`
	u := "https://" + primaryDomain + "/poseidon/exhibit.spaceJson/1.0?param=" + url.QueryEscape(param)

	sentAt := time.Now().UnixMilli()
	body, err := c.get(ctx, u, job.Cookies, desktopUserAgent, desktopReferer)
	receivedAt := time.Now().UnixMilli()
	if err != nil {
		return 0, err
	}

	var resp struct {
		Result struct {
			CurrentTime int64 `json:"currentTime"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, fmt.Errorf("failed to parse probe response: %w", err)
	}
	if resp.Result.CurrentTime == 0 {
		return 0, fmt.Errorf("probe response carries no server time")
	}

	return resp.Result.CurrentTime - (sentAt+receivedAt)/2, nil
}

// WarmUp primes the vendor-side caches and our connection pool with one
// best-effort probe. It returns immediately; the result is discarded.
func (c *Client) WarmUp(job *domain.Job) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.MeasureDelay(ctx, job); err != nil {
			c.logger.Debug("Warm-up probe failed",
				slog.Int64("job_id", job.ID),
				slog.Any("error", err),
			)
		}
	}()
}
