package fetcher

// DefaultSinaCodes maps the default registry onto hq.sinajs.cn list codes.
func DefaultSinaCodes() map[string]string {
	return map[string]string{
		"SHFE.AU": "nf_AU0",
		"SHFE.AG": "nf_AG0",
		"SHFE.CU": "nf_CU0",
		"SHFE.AL": "nf_AL0",
		"INE.SC":  "nf_SC0",
		"CZCE.TA": "nf_TA0",
		"CZCE.MA": "nf_MA0",
		"DCE.M":   "nf_M0",
		"DCE.C":   "nf_C0",
		"DCE.LH":  "nf_LH0",
		"XAU":     "hf_XAU",
		"XAG":     "hf_XAG",
		"LME.CU":  "hf_CAD",
		"LME.AL":  "hf_AHD",
		"BRENT":   "hf_OIL",
		"NG":      "hf_NG",
		"CBOT.S":  "hf_S",
		"CBOT.C":  "hf_C",
		"USD/CNY": "fx_susdcny",
	}
}

// DefaultYahooTickers covers the symbols whose Yahoo futures share units with
// the registry. COMEX copper and CBOT grains quote in cents and are left out.
func DefaultYahooTickers() map[string]string {
	return map[string]string{
		"XAU":     "GC=F",
		"XAG":     "SI=F",
		"BRENT":   "BZ=F",
		"NG":      "NG=F",
		"USD/CNY": "CNY=X",
	}
}
