package market

import "commodity-premium-alerts/internal/convert"

// DefaultSymbols is the instrument set tracked when the configuration does not
// provide one.
func DefaultSymbols() []Symbol {
	return []Symbol{
		{Code: "SHFE.AU", Name: "SHFE Gold", Market: MarketCN, Unit: "CNY/g"},
		{Code: "SHFE.AG", Name: "SHFE Silver", Market: MarketCN, Unit: "CNY/kg"},
		{Code: "SHFE.CU", Name: "SHFE Copper", Market: MarketCN, Unit: "CNY/ton"},
		{Code: "SHFE.AL", Name: "SHFE Aluminium", Market: MarketCN, Unit: "CNY/ton"},
		{Code: "INE.SC", Name: "INE Crude", Market: MarketCN, Unit: "CNY/barrel"},
		{Code: "CZCE.TA", Name: "CZCE PTA", Market: MarketCN, Unit: "CNY/ton"},
		{Code: "CZCE.MA", Name: "CZCE Methanol", Market: MarketCN, Unit: "CNY/ton"},
		{Code: "DCE.M", Name: "DCE Soymeal", Market: MarketCN, Unit: "CNY/ton"},
		{Code: "DCE.C", Name: "DCE Corn", Market: MarketCN, Unit: "CNY/ton"},
		{Code: "DCE.LH", Name: "DCE Live Hogs", Market: MarketCN, Unit: "CNY/ton"},

		{Code: "XAU", Name: "London Gold", Market: MarketINTL, Unit: "USD/oz", Conversion: convert.OunceToGram},
		{Code: "XAG", Name: "London Silver", Market: MarketINTL, Unit: "USD/oz", Conversion: convert.OunceToKilogram},
		{Code: "LME.CU", Name: "LME Copper", Market: MarketLME, Unit: "USD/ton", Conversion: convert.ScaleByRate},
		{Code: "LME.AL", Name: "LME Aluminium", Market: MarketLME, Unit: "USD/ton", Conversion: convert.ScaleByRate},
		{Code: "BRENT", Name: "Brent Crude", Market: MarketINTL, Unit: "USD/barrel", Conversion: convert.ScaleByRate},
		{Code: "NG", Name: "Natural Gas", Market: MarketINTL, Unit: "USD/mmBtu", Conversion: convert.ScaleByRate},
		{Code: "CBOT.S", Name: "CBOT Soybeans", Market: MarketINTL, Unit: "USD/bushel", Conversion: convert.BushelToTon, BushelTons: 0.0272},
		{Code: "CBOT.C", Name: "CBOT Corn", Market: MarketINTL, Unit: "USD/bushel", Conversion: convert.BushelToTon, BushelTons: 0.0254},
	}
}

// DefaultPremiumPairs lists the domestic/foreign pairs priced by default.
func DefaultPremiumPairs() []PremiumPair {
	return []PremiumPair{
		{ID: "GOLD", Name: "Gold premium", Domestic: "SHFE.AU", Foreign: "XAU"},
		{ID: "SILVER", Name: "Silver premium", Domestic: "SHFE.AG", Foreign: "XAG"},
		{ID: "COPPER", Name: "Copper premium", Domestic: "SHFE.CU", Foreign: "LME.CU"},
		{ID: "ALUMINUM", Name: "Aluminium premium", Domestic: "SHFE.AL", Foreign: "LME.AL"},
	}
}

// DefaultRatios lists the cross-asset ratios computed by default.
func DefaultRatios() []RatioDef {
	return []RatioDef{
		{ID: "gold_silver", Name: "Gold/Silver", Numerator: "XAU", Denominator: "XAG", Places: 2},
		{ID: "copper_gold", Name: "Copper/Gold", Numerator: "LME.CU", Denominator: "XAU", Places: 4},
		{
			ID: "gold_oil", Name: "Gold/Oil", Numerator: "XAU", Denominator: "BRENT", Places: 2,
			Fallbacks: []RatioFallback{{Symbol: "INE.SC", DivideByFX: true}},
		},
	}
}
