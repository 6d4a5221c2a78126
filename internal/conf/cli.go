package conf

import (
	"fmt"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/echopi/echopi-go/internal/errors"
)

// FlagKeyAnnotation marks a flag with the settings key it overrides.
const FlagKeyAnnotation = "echopi_settings_key"

// LoadOption adjusts the viper instance used by Load before the config file
// is read.
type LoadOption func(v *viper.Viper) error

// MarkFlagKey records on the flag which settings key it overrides, for
// WithFlags.
func MarkFlagKey(fs *pflag.FlagSet, name, key string) {
	_ = fs.SetAnnotation(name, FlagKeyAnnotation, []string{key})
}

// WithFlag binds a command line flag to a settings key. Flags left at their
// default are not bound, so their defaults never shadow file values.
func WithFlag(key string, flag *pflag.Flag) LoadOption {
	return func(v *viper.Viper) error {
		if flag == nil || !flag.Changed {
			return nil
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return errors.New(fmt.Errorf("error binding flag %q: %w", flag.Name, err)).
				Component("configuration").
				Category(errors.CategoryConfiguration).
				Context("key", key).
				Build()
		}
		return nil
	}
}

// WithFlags binds every flag in fs marked with MarkFlagKey.
func WithFlags(fs *pflag.FlagSet) LoadOption {
	return func(v *viper.Viper) error {
		var err error
		fs.VisitAll(func(f *pflag.Flag) {
			keys := f.Annotations[FlagKeyAnnotation]
			if err != nil || len(keys) == 0 {
				return
			}
			err = WithFlag(keys[0], f)(v)
		})
		return err
	}
}
