// Package classify maps raw vendor responses to attempt outcomes.
//
// The vendor exposes no machine-readable error codes for retryable
// conditions, only localized human-readable descriptions, so classification
// is substring containment against two phrase lists. The lists are
// configuration data; the defaults here mirror the wording the vendor used
// last time anyone checked and should not be assumed complete.
package classify

import (
	"encoding/json"
	"strings"
)

// Outcome is the classifier's verdict on one attempt's response.
type Outcome int

const (
	// OutcomeSuccess means the order was created (vendor status code 0).
	OutcomeSuccess Outcome = iota
	// OutcomeRetryBusy means the vendor is overloaded or the sale has not
	// opened; retry with the same parameters after a short wait.
	OutcomeRetryBusy
	// OutcomeRetryNeedsRefresh means the order data went stale; re-fetch
	// authoritative order data and rebuild parameters before retrying.
	OutcomeRetryNeedsRefresh
	// OutcomeTerminalReject means the vendor definitively refused; stop.
	OutcomeTerminalReject
	// OutcomeTransportFailure means the HTTP exchange itself failed.
	OutcomeTransportFailure
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryBusy:
		return "retry_busy"
	case OutcomeRetryNeedsRefresh:
		return "retry_needs_refresh"
	case OutcomeTerminalReject:
		return "terminal_reject"
	case OutcomeTransportFailure:
		return "transport_failure"
	default:
		return "unknown"
	}
}

// Retryable reports whether the attempt loop may fire again on this outcome.
func (o Outcome) Retryable() bool {
	return o == OutcomeRetryBusy || o == OutcomeRetryNeedsRefresh || o == OutcomeTransportFailure
}

// VendorStatus is the status envelope of every vendor JSON response.
type VendorStatus struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	Description string `json:"description"`
}

// VendorResponse is the common shape of vendor order/stock/listing payloads.
type VendorResponse struct {
	Status VendorStatus    `json:"status"`
	Result json.RawMessage `json:"result"`
}

// DefaultBusyPhrases match "come back later" style rejections.
var DefaultBusyPhrases = []string{
	"请稍后再试",
	"拥挤",
	"重试",
	"稍后",
	"人潮拥挤",
	"商品尚未开售",
	"开小差",
	"系统开小差了",
	"系统开小差",
	"啊哦~ 人潮拥挤，请稍后重试~",
}

// DefaultRefreshPhrases match rejections that require reconfirming the order
// before another attempt has any chance.
var DefaultRefreshPhrases = []string{
	"确认",
	"地址",
	"自提",
	"应付总额有变动，请再次确认",
	"商品信息变更，请重新确认",
	"模板需要收货地址，请联系商家",
	"店铺信息不能为空",
	"购买的商品超过限购数",
	"请先填写收货人地址",
	"请升级到最新版本后重试",
	"当前下单商品仅支持到店自提，请重新选择收货方式",
	"系统开小差，请稍后重试",
	"自提点地址不能为空",
}

// Classifier is a pure response classifier. The zero value is unusable; use
// New.
type Classifier struct {
	refreshPhrases []string
	busyPhrases    []string
}

// New builds a classifier from the given phrase lists. Nil or empty lists
// fall back to the defaults.
func New(refreshPhrases, busyPhrases []string) *Classifier {
	if len(refreshPhrases) == 0 {
		refreshPhrases = DefaultRefreshPhrases
	}
	if len(busyPhrases) == 0 {
		busyPhrases = DefaultBusyPhrases
	}
	return &Classifier{refreshPhrases: refreshPhrases, busyPhrases: busyPhrases}
}

// Classify maps one attempt's response body and transport error to an
// outcome. It is total: every input maps to exactly one outcome. A body that
// cannot be parsed counts as a transport failure, same as a failed exchange.
//
// The refresh list is checked before the busy list; several vendor strings
// ("系统开小差，请稍后重试") appear in both, and reconfirming first is the
// behavior that recovers in those cases.
func (c *Classifier) Classify(body []byte, transportErr error) Outcome {
	if transportErr != nil {
		return OutcomeTransportFailure
	}

	var resp VendorResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return OutcomeTransportFailure
	}

	if resp.Status.Code == 0 {
		return OutcomeSuccess
	}

	if containsAny(resp.Status.Description, c.refreshPhrases) {
		return OutcomeRetryNeedsRefresh
	}
	if containsAny(resp.Status.Description, c.busyPhrases) {
		return OutcomeRetryBusy
	}

	return OutcomeTerminalReject
}

func containsAny(message string, phrases []string) bool {
	if message == "" {
		return false
	}
	for _, phrase := range phrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}
