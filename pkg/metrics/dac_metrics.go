// DAC-specific metric set
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package metrics

import (
	"strconv"
	"strings"
	"time"

	"dacctl/pkg/errors"
)

// DACMetrics tracks bus traffic and output state of one DAC. It satisfies
// the driver's observer interface.
type DACMetrics struct {
	registry *Registry

	Frames       *Counter
	FrameErrors  *Counter
	FrameLatency *Histogram
	ChannelCode  *Gauge
	ChannelMode  *Gauge
	RPCRequests  *Counter
}

// NewDACMetrics creates the metric set and registers it in a fresh registry.
func NewDACMetrics() *DACMetrics {
	m := &DACMetrics{
		registry:     NewRegistry(),
		Frames:       NewCounter("dac_spi_frames_total", "SPI frames sent, by register."),
		FrameErrors:  NewCounter("dac_spi_frame_errors_total", "SPI frames that failed, by error kind."),
		FrameLatency: NewHistogram("dac_spi_frame_seconds", "Duration of one SPI frame.", ExponentialBuckets(0.0001, 4, 8)),
		ChannelCode:  NewGauge("dac_channel_code", "Last data register value latched on a channel."),
		ChannelMode:  NewGauge("dac_channel_current_mode", "1 when the channel is in current mode, 0 in voltage mode."),
		RPCRequests:  NewCounter("dac_rpc_requests_total", "Control requests handled, by method and result."),
	}
	for _, metric := range []Metric{m.Frames, m.FrameErrors, m.FrameLatency, m.ChannelCode, m.ChannelMode, m.RPCRequests} {
		m.registry.MustRegister(metric)
	}
	return m
}

// Registry returns the registry holding the DAC metrics.
func (m *DACMetrics) Registry() *Registry {
	return m.registry
}

// Gather renders the DAC metrics.
func (m *DACMetrics) Gather() string {
	return m.registry.Gather()
}

// ObserveFrame records one register frame.
func (m *DACMetrics) ObserveFrame(addr uint8, d time.Duration, err error) {
	l := Labels{"register": "0x" + strconv.FormatUint(uint64(addr), 16)}
	m.Frames.Inc(l)
	m.FrameLatency.ObserveDuration(nil, d)
	if err != nil {
		m.FrameErrors.Inc(Labels{"kind": errorKind(err)})
	}
}

// errorKind is the lower-cased error code, or "other" for uncategorized errors.
func errorKind(err error) string {
	code := errors.CodeOf(err)
	if code == "" {
		return "other"
	}
	return strings.ToLower(string(code))
}

// ObserveChannel records the state of a channel after a successful update.
func (m *DACMetrics) ObserveChannel(ch int, mode string, code uint16) {
	l := Labels{"channel": strconv.Itoa(ch)}
	m.ChannelCode.Set(l, float64(code))
	current := 0.0
	if mode == "current" {
		current = 1
	}
	m.ChannelMode.Set(l, current)
}

// ObserveRequest records one control request.
func (m *DACMetrics) ObserveRequest(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.RPCRequests.Inc(Labels{"method": method, "result": result})
}
