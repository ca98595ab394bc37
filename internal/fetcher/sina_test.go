package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestSinaFetchParsesByPrefix(t *testing.T) {
	var gotPath, gotReferer string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotReferer = r.Header.Get("Referer")
		w.Write([]byte(strings.Join([]string{
			`var hq_str_nf_AU0="黄金连续,150000,580.00,582.10,578.30,0,580.50,580.60,581.25,580.90";`,
			`var hq_str_hf_XAU="2650.35,,2648.10,2648.90,2655.00,2640.10,15:00:00";`,
			`var hq_str_fx_susdcny="15:00:00,7.2451,7.2460,7.2400";`,
			`var hq_str_nf_AG0="";`,
		}, "\n")))
	}))
	defer srv.Close()

	s := NewSina(SinaOptions{
		BaseURL: srv.URL,
		Codes: map[string]string{
			"SHFE.AU": "nf_AU0",
			"SHFE.AG": "nf_AG0",
			"XAU":     "hf_XAU",
			"USD/CNY": "fx_susdcny",
		},
	})

	results, err := s.Fetch(context.Background(), []string{"SHFE.AU", "SHFE.AG", "XAU", "USD/CNY"})
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(gotPath, "/list="))
	require.Contains(t, gotPath, "nf_AU0")
	require.Equal(t, defaultSinaReferer, gotReferer)

	bySymbol := make(map[string]string)
	for _, r := range results {
		if r.OK() {
			bySymbol[r.Symbol] = r.Price.String()
		} else {
			bySymbol[r.Symbol] = "unavailable"
		}
	}
	require.Equal(t, "581.25", bySymbol["SHFE.AU"])
	require.Equal(t, "2650.35", bySymbol["XAU"])
	require.Equal(t, "7.2451", bySymbol["USD/CNY"])
	require.Equal(t, "unavailable", bySymbol["SHFE.AG"])
}

func TestSinaFetchHTTPErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	s := NewSina(SinaOptions{BaseURL: srv.URL, Codes: map[string]string{"XAU": "hf_XAU"}})
	_, err := s.Fetch(context.Background(), []string{"XAU"})
	require.Error(t, err)
}

func TestSinaSupports(t *testing.T) {
	s := NewSina(SinaOptions{Codes: map[string]string{"XAU": "hf_XAU", "XAG": ""}})
	require.True(t, s.Supports("XAU"))
	require.False(t, s.Supports("XAG"))
	require.False(t, s.Supports("NG"))
}

func TestSinaFieldOverride(t *testing.T) {
	s := NewSina(SinaOptions{Fields: map[string]int{"hf_": 2}})
	price, err := s.parse("hf_XAG", "31.2,,30.9,31.0")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("30.9")))

	_, err = s.parse("nf_CU0", "copper,1,2")
	require.Error(t, err, "index beyond payload")
}
