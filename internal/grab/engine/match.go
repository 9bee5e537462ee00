package engine

import (
	"encoding/json"
	"net/url"
	"strings"
)

// Keyword grammar for watch jobs: "itemKeys|skuKeys", each side a
// semicolon-separated list of substrings. An empty side matches anything.

func splitKeyword(keyword string) (itemKeys, skuKeys []string) {
	parts := strings.SplitN(keyword, "|", 2)
	itemKeys = splitKeys(parts[0])
	if len(parts) > 1 {
		skuKeys = splitKeys(parts[1])
	}
	return itemKeys, skuKeys
}

func splitKeys(s string) []string {
	var keys []string
	for _, key := range strings.Split(s, ";") {
		if key = strings.TrimSpace(key); key != "" {
			keys = append(keys, key)
		}
	}
	return keys
}

func matchesKeys(title string, keys []string) bool {
	if len(keys) == 0 {
		return true
	}
	for _, key := range keys {
		if strings.Contains(title, key) {
			return true
		}
	}
	return false
}

// shopIDFromLink pulls the seller id out of a shop or item link's query
// string.
func shopIDFromLink(link string) string {
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	query := u.Query()
	if id := query.Get("userid"); id != "" {
		return id
	}
	return query.Get("userId")
}

// listedItem is one match from a seller's listing.
type listedItem struct {
	ItemID string
	Title  string
}

// matchListing scans a listing response for an item added after the watch
// window opened, in stock, with a title matching the keys.
func matchListing(body []byte, startEpochMs int64, keys []string) (listedItem, bool) {
	var resp struct {
		Result struct {
			ItemList []struct {
				ItemID   json.Number `json:"itemId"`
				ItemName string      `json:"itemName"`
				AddTime  int64       `json:"addTime"`
				Stock    int64       `json:"stock"`
			} `json:"itemList"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return listedItem{}, false
	}

	for _, item := range resp.Result.ItemList {
		if item.AddTime > startEpochMs && item.Stock > 0 && matchesKeys(item.ItemName, keys) {
			return listedItem{ItemID: item.ItemID.String(), Title: item.ItemName}, true
		}
	}
	return listedItem{}, false
}
