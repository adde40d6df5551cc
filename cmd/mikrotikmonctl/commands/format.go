package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// -------------------------------------------------------------------------
// View types — mirror the JSON shapes internal/api serves.
// -------------------------------------------------------------------------

type routerStatusView struct {
	ID                   string    `json:"id"`
	Name                 string    `json:"name"`
	Host                 string    `json:"host"`
	RESTEnabled          bool      `json:"rest_enabled"`
	SNMPEnabled          bool      `json:"snmp_enabled"`
	InterfaceDisplayMode string    `json:"interface_display_mode"`
	LastSuccessfulMethod string    `json:"last_successful_method"`
	Reachable            bool      `json:"reachable"`
	Connected            bool      `json:"connected"`
	LastConnectedAt      time.Time `json:"last_connected_at"`
	Disabled             bool      `json:"disabled"`
}

type sampleView struct {
	RouterID string    `json:"RouterID"`
	PortName string    `json:"PortName"`
	TS       time.Time `json:"TS"`
	RxBPS    float64   `json:"RxBPS"`
	TxBPS    float64   `json:"TxBPS"`
	TotalBPS float64   `json:"TotalBPS"`
}

type aggregatePointView struct {
	BucketStart time.Time `json:"BucketStart"`
	RxAvg       float64   `json:"RxAvg"`
	RxMax       float64   `json:"RxMax"`
	TxAvg       float64   `json:"TxAvg"`
	TxMax       float64   `json:"TxMax"`
	TotalAvg    float64   `json:"TotalAvg"`
	TotalMax    float64   `json:"TotalMax"`
	Count       int       `json:"Count"`
}

type alertView struct {
	ID           string    `json:"ID"`
	RouterID     string    `json:"RouterID"`
	PortName     string    `json:"PortName"`
	Severity     string    `json:"Severity"`
	Message      string    `json:"Message"`
	CurrentBPS   float64   `json:"CurrentBPS"`
	ThresholdBPS float64   `json:"ThresholdBPS"`
	Acknowledged bool      `json:"Acknowledged"`
	AckAt        time.Time `json:"AckAt"`
	AckBy        string    `json:"AckBy"`
	FiredAt      time.Time `json:"FiredAt"`
}

type snapshotView struct {
	RouterID string    `json:"RouterID"`
	PortName string    `json:"PortName"`
	RxBPS    float64   `json:"RxBPS"`
	TxBPS    float64   `json:"TxBPS"`
	TotalBPS float64   `json:"TotalBPS"`
	At       time.Time `json:"At"`
	Paused   bool      `json:"Paused"`
}

// -------------------------------------------------------------------------
// Router status
// -------------------------------------------------------------------------

func formatRouterStatus(v routerStatusView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(v)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintf(w, "ID:\t%s\n", v.ID)
		fmt.Fprintf(w, "Name:\t%s\n", v.Name)
		fmt.Fprintf(w, "Host:\t%s\n", v.Host)
		fmt.Fprintf(w, "Reachable:\t%t\n", v.Reachable)
		fmt.Fprintf(w, "Connected:\t%t\n", v.Connected)
		fmt.Fprintf(w, "Last Method:\t%s\n", v.LastSuccessfulMethod)
		fmt.Fprintf(w, "Last Connected:\t%s\n", v.LastConnectedAt.Format(time.RFC3339))
		fmt.Fprintf(w, "Disabled:\t%t\n", v.Disabled)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// -------------------------------------------------------------------------
// Samples / aggregates
// -------------------------------------------------------------------------

func formatSamples(samples []sampleView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(samples)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TS\tROUTER\tPORT\tRX-BPS\tTX-BPS\tTOTAL-BPS")
		for _, s := range samples {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.0f\t%.0f\t%.0f\n",
				s.TS.Format(time.RFC3339), s.RouterID, s.PortName, s.RxBPS, s.TxBPS, s.TotalBPS)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAggregatePoints(points []aggregatePointView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(points)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "BUCKET\tRX-AVG\tRX-MAX\tTX-AVG\tTX-MAX\tTOTAL-AVG\tTOTAL-MAX\tCOUNT")
		for _, p := range points {
			fmt.Fprintf(w, "%s\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%.0f\t%d\n",
				p.BucketStart.Format(time.RFC3339), p.RxAvg, p.RxMax, p.TxAvg, p.TxMax, p.TotalAvg, p.TotalMax, p.Count)
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// -------------------------------------------------------------------------
// Alerts
// -------------------------------------------------------------------------

func formatAlerts(alerts []alertView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(alerts)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tROUTER\tPORT\tSEVERITY\tMESSAGE\tACKED\tFIRED")
		for _, a := range alerts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\t%s\n",
				a.ID, a.RouterID, a.PortName, a.Severity, a.Message, a.Acknowledged, a.FiredAt.Format(time.RFC3339))
		}
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatAlert(a alertView, format string) (string, error) {
	return formatAlerts([]alertView{a}, format)
}

// -------------------------------------------------------------------------
// Real-time snapshots
// -------------------------------------------------------------------------

func formatSnapshot(s snapshotView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalIndent(s)
	case formatTable:
		if s.Paused {
			return fmt.Sprintf("[%s] %s/%s PAUSED", s.At.Format(time.RFC3339), s.RouterID, s.PortName), nil
		}
		return fmt.Sprintf("[%s] %s/%s  rx=%.0fbps tx=%.0fbps total=%.0fbps",
			s.At.Format(time.RFC3339), s.RouterID, s.PortName, s.RxBPS, s.TxBPS, s.TotalBPS), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func marshalIndent(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data) + "\n", nil
}
