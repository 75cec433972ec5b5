package flow

import (
	"fmt"
	"reflect"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// LoadCorridorFile reads a corridor spec from a YAML or JSON file.
func LoadCorridorFile(path string) (CorridorSpec, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return CorridorSpec{}, fmt.Errorf("read corridor file: %w", err)
	}

	var spec CorridorSpec
	if err := v.Unmarshal(&spec, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stringToDecimalHook(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}); err != nil {
		return CorridorSpec{}, fmt.Errorf("decode corridor file: %w", err)
	}
	return spec, nil
}

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	target := reflect.TypeOf(decimal.Decimal{})
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			return decimal.NewFromString(v)
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case float64:
			return decimal.NewFromFloat(v), nil
		}
		return data, nil
	}
}
