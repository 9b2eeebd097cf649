package scanner

import (
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/anstrom/bulkscan/internal/errors"
	"github.com/anstrom/bulkscan/internal/feature"
)

// GetConfig documents option name and, when the user configured it,
// overwrites *value with the parsed setting. value must be a pointer to a
// string, bool, integer, float64, time.Duration or feature.CarveMode; its
// current content is the default shown in help output.
//
// GetConfig is only valid during PhaseStartup and PhaseInit.
func (p *Params) GetConfig(name string, value any, help string) error {
	if p.Phase != PhaseStartup && p.Phase != PhaseInit {
		return errors.ErrPhase("get config "+name, p.Phase.String())
	}

	def, err := describe(value)
	if err != nil {
		return errors.NewConfigFieldError(errors.CodeValidation, err.Error(), name, value)
	}
	if p.Info != nil && !p.hasOption(name) {
		p.Info.Options = append(p.Info.Options, OptionHelp{Name: name, Default: def, Help: help})
	}

	raw, ok := p.options[name]
	if !ok {
		return nil
	}
	if err := assign(value, raw); err != nil {
		return &errors.ConfigError{
			Code:    errors.CodeValidation,
			Message: "invalid scanner option",
			Field:   name,
			Value:   raw,
			Cause:   err,
		}
	}
	return nil
}

func (p *Params) hasOption(name string) bool {
	for _, o := range p.Info.Options {
		if o.Name == name {
			return true
		}
	}
	return false
}

func describe(value any) (string, error) {
	switch v := value.(type) {
	case *string:
		return *v, nil
	case *bool:
		return fmt.Sprint(*v), nil
	case *int:
		return fmt.Sprint(*v), nil
	case *int8:
		return fmt.Sprint(*v), nil
	case *int16:
		return fmt.Sprint(*v), nil
	case *int32:
		return fmt.Sprint(*v), nil
	case *int64:
		return fmt.Sprint(*v), nil
	case *uint:
		return fmt.Sprint(*v), nil
	case *uint8:
		return fmt.Sprint(*v), nil
	case *uint16:
		return fmt.Sprint(*v), nil
	case *uint32:
		return fmt.Sprint(*v), nil
	case *uint64:
		return fmt.Sprint(*v), nil
	case *float64:
		return fmt.Sprint(*v), nil
	case *time.Duration:
		return v.String(), nil
	case *feature.CarveMode:
		return fmt.Sprint(int(*v)), nil
	}
	return "", fmt.Errorf("unsupported option type %T", value)
}

func assign(value any, raw string) error {
	switch v := value.(type) {
	case *string:
		*v = raw
		return nil
	case *bool:
		return store(v, cast.ToBoolE, raw)
	case *int:
		return store(v, cast.ToIntE, raw)
	case *int8:
		return store(v, cast.ToInt8E, raw)
	case *int16:
		return store(v, cast.ToInt16E, raw)
	case *int32:
		return store(v, cast.ToInt32E, raw)
	case *int64:
		return store(v, cast.ToInt64E, raw)
	case *uint:
		return store(v, cast.ToUintE, raw)
	case *uint8:
		return store(v, cast.ToUint8E, raw)
	case *uint16:
		return store(v, cast.ToUint16E, raw)
	case *uint32:
		return store(v, cast.ToUint32E, raw)
	case *uint64:
		return store(v, cast.ToUint64E, raw)
	case *float64:
		return store(v, cast.ToFloat64E, raw)
	case *time.Duration:
		return store(v, cast.ToDurationE, raw)
	case *feature.CarveMode:
		m, err := feature.ParseCarveMode(raw)
		if err != nil {
			return err
		}
		*v = m
		return nil
	}
	return fmt.Errorf("unsupported option type %T", value)
}

// store leaves *dst untouched when raw does not convert.
func store[T any](dst *T, conv func(any) (T, error), raw string) error {
	v, err := conv(raw)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}
