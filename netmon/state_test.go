package netmon

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intPtr(v int) *int { return &v }

func TestNormalize(t *testing.T) {
	tests := []struct {
		name   string
		sample Sample
		want   NetworkState
	}{
		{
			name:   "disconnected",
			sample: Sample{Connected: false, Link: LinkWifi},
			want:   NetworkState{Link: LinkNone, Quality: QualityOffline},
		},
		{
			name:   "wifi strong signal",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkWifi, WifiSignalPercent: intPtr(80)},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkWifi, Quality: QualityExcellent},
		},
		{
			name:   "wifi boundary 75 is excellent",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkWifi, WifiSignalPercent: intPtr(75)},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkWifi, Quality: QualityExcellent},
		},
		{
			name:   "wifi mid signal",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkWifi, WifiSignalPercent: intPtr(60)},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkWifi, Quality: QualityGood},
		},
		{
			name:   "wifi weak signal",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkWifi, WifiSignalPercent: intPtr(30)},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkWifi, Quality: QualityFair},
		},
		{
			name:   "wifi very weak signal",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkWifi, WifiSignalPercent: intPtr(10)},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkWifi, Quality: QualityPoor},
		},
		{
			name:   "wifi without signal reading defaults to good",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkWifi},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkWifi, Quality: QualityGood},
		},
		{
			name:   "cellular 5g",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkCellular, CellGeneration: "5g", Expensive: true},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkCellular, Quality: QualityExcellent, Expensive: true},
		},
		{
			name:   "cellular 4g",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkCellular, CellGeneration: "4g"},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkCellular, Quality: QualityGood},
		},
		{
			name:   "cellular 3g",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkCellular, CellGeneration: "3g"},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkCellular, Quality: QualityFair},
		},
		{
			name:   "cellular 2g",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkCellular, CellGeneration: "2g"},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkCellular, Quality: QualityPoor},
		},
		{
			name:   "ethernet defaults to good",
			sample: Sample{Connected: true, InternetReachable: true, Link: LinkEthernet},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkEthernet, Quality: QualityGood},
		},
		{
			name:   "missing link becomes unknown",
			sample: Sample{Connected: true, InternetReachable: true},
			want:   NetworkState{Connected: true, InternetReachable: true, Link: LinkUnknown, Quality: QualityGood},
		},
		{
			name:   "connected without internet",
			sample: Sample{Connected: true, Link: LinkWifi},
			want:   NetworkState{Connected: true, Link: LinkWifi, Quality: QualityGood},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Normalize(tt.sample))
		})
	}
}

func TestOnline(t *testing.T) {
	require.True(t, NetworkState{Connected: true, InternetReachable: true}.Online())
	require.False(t, NetworkState{Connected: true}.Online())
	require.False(t, NetworkState{InternetReachable: true}.Online())
	require.False(t, Offline().Online())
}
