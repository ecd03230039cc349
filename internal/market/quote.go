package market

import "time"

// Quote is the last-known snapshot for one symbol. Written by the feed
// adapter, read by every other component. Values are plain copies so
// readers never observe partial updates.
type Quote struct {
	Symbol        string    `json:"symbol"`
	LTP           float64   `json:"ltp"`
	Open          float64   `json:"open"`
	High          float64   `json:"high"`
	Low           float64   `json:"low"`
	PrevClose     float64   `json:"prev_close"`
	Volume        int64     `json:"volume"`
	VWAP          float64   `json:"vwap"`
	ChangePercent float64   `json:"change_percent"`
	YearHigh      float64   `json:"year_high,omitempty"`
	YearLow       float64   `json:"year_low,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Normalize recomputes ChangePercent from (ltp-open)/open when the feed
// did not carry it.
func (q *Quote) Normalize() {
	if q.ChangePercent == 0 && q.Open > 0 && q.LTP > 0 && q.LTP != q.Open {
		q.ChangePercent = (q.LTP - q.Open) / q.Open * 100
	}
}

// IntradayRangePercent returns (high-low)/ltp in percent, 0 when LTP is 0.
func (q Quote) IntradayRangePercent() float64 {
	if q.LTP <= 0 {
		return 0
	}
	return (q.High - q.Low) / q.LTP * 100
}

// AboveVWAP reports whether the last trade printed above the intraday VWAP.
func (q Quote) AboveVWAP() bool {
	return q.VWAP > 0 && q.LTP > q.VWAP
}
