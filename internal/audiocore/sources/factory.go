// Package sources selects a duplex provider implementation.
package sources

import (
	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/audiocore/sources/malgo"
	"github.com/echopi/echopi-go/internal/audiocore/sources/simulated"
	"github.com/echopi/echopi-go/internal/errors"
	"github.com/echopi/echopi-go/internal/logger"
)

const (
	TypeSoundcard = "soundcard"
	TypeSimulated = "simulated"
)

// NewProvider creates the duplex provider named by kind. The simulated scene is
// only used for TypeSimulated.
func NewProvider(kind string, scene simulated.Config, log logger.Logger) (audiocore.DuplexProvider, error) {
	switch kind {
	case TypeSoundcard, "malgo", "":
		return malgo.NewProvider(log), nil
	case TypeSimulated:
		return simulated.NewProvider(scene), nil
	default:
		return nil, errors.Newf("unknown audio provider type %q", kind).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryValidation).
			Context("provider_type", kind).
			Build()
	}
}
