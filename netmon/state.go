// Package netmon maintains a process-wide, best-effort view of network
// connectivity and notifies subscribers of state transitions.
package netmon

// Link identifies the transport the device is connected over.
type Link string

// Link types.
const (
	LinkWifi     Link = "wifi"
	LinkCellular Link = "cellular"
	LinkEthernet Link = "ethernet"
	LinkNone     Link = "none"
	LinkUnknown  Link = "unknown"
)

// Quality is the coarse connection quality bucket.
type Quality string

// Quality levels.
const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityFair      Quality = "fair"
	QualityPoor      Quality = "poor"
	QualityOffline   Quality = "offline"
)

// NetworkState is the normalized connectivity view. Quality is
// QualityOffline exactly when Connected is false.
type NetworkState struct {
	Connected         bool    `json:"connected"`
	InternetReachable bool    `json:"internet_reachable"`
	Link              Link    `json:"link"`
	Quality           Quality `json:"quality"`
	Expensive         bool    `json:"expensive"`
}

// Offline is the default state held before the first measurement.
func Offline() NetworkState {
	return NetworkState{Link: LinkNone, Quality: QualityOffline}
}

// Online reports whether the state allows network operations.
func (s NetworkState) Online() bool {
	return s.Connected && s.InternetReachable
}

// Sample is a raw connectivity event from the platform collaborator
// before normalization.
type Sample struct {
	Connected         bool   `json:"connected"`
	InternetReachable bool   `json:"internet_reachable"`
	Link              Link   `json:"link"`
	Expensive         bool   `json:"expensive"`
	WifiSignalPercent *int   `json:"wifi_signal_percent,omitempty"`
	CellGeneration    string `json:"cell_generation,omitempty"`
}

// Normalize maps a raw sample into a NetworkState.
//
// Quality rules: disconnected is offline; wifi with a known signal
// strength buckets at 75/50/25 into excellent/good/fair/poor; cellular
// maps 5g/4g/3g to excellent/good/fair and older generations to poor;
// anything else connected defaults to good.
func Normalize(s Sample) NetworkState {
	link := s.Link
	if link == "" {
		link = LinkUnknown
	}

	if !s.Connected {
		return NetworkState{Link: LinkNone, Quality: QualityOffline, Expensive: s.Expensive}
	}

	state := NetworkState{
		Connected:         true,
		InternetReachable: s.InternetReachable,
		Link:              link,
		Expensive:         s.Expensive,
		Quality:           QualityGood,
	}

	switch {
	case link == LinkWifi && s.WifiSignalPercent != nil:
		state.Quality = wifiQuality(*s.WifiSignalPercent)
	case link == LinkCellular && s.CellGeneration != "":
		state.Quality = cellQuality(s.CellGeneration)
	}

	return state
}

func wifiQuality(signal int) Quality {
	switch {
	case signal >= 75:
		return QualityExcellent
	case signal >= 50:
		return QualityGood
	case signal >= 25:
		return QualityFair
	default:
		return QualityPoor
	}
}

func cellQuality(generation string) Quality {
	switch generation {
	case "5g":
		return QualityExcellent
	case "4g":
		return QualityGood
	case "3g":
		return QualityFair
	default:
		return QualityPoor
	}
}
