package malgo

import (
	"encoding/hex"
	"runtime"
	"strings"

	"github.com/gen2brain/malgo"

	"github.com/echopi/echopi-go/internal/audiocore"
	"github.com/echopi/echopi-go/internal/errors"
)

// DeviceInfo describes one playback or capture endpoint.
type DeviceInfo struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	ID        string `json:"id"`
	IsDefault bool   `json:"is_default"`
}

// backendFor returns the miniaudio backend for the current platform
func backendFor(goos string) (malgo.Backend, error) {
	switch goos {
	case "linux":
		return malgo.BackendAlsa, nil
	case "windows":
		return malgo.BackendWasapi, nil
	case "darwin":
		return malgo.BackendCoreaudio, nil
	default:
		return malgo.BackendNull, errors.Newf("unsupported operating system %s", goos).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioDevice).
			Context("os", goos).
			Build()
	}
}

func initContext() (*malgo.AllocatedContext, error) {
	backend, err := backendFor(runtime.GOOS)
	if err != nil {
		return nil, err
	}
	ctx, err := malgo.InitContext([]malgo.Backend{backend}, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioDevice).
			Context("operation", "init_context").
			Context("backend", runtime.GOOS).
			Build()
	}
	return ctx, nil
}

// freeContext uninitialises and frees a miniaudio context.
func freeContext(ctx *malgo.AllocatedContext) {
	_ = ctx.Uninit()
	ctx.Free()
}

// ListDevices enumerates playback and capture devices.
func ListDevices() (playback, capture []DeviceInfo, err error) {
	ctx, err := initContext()
	if err != nil {
		return nil, nil, err
	}
	defer freeContext(ctx)

	if playback, err = devicesOf(ctx, malgo.Playback); err != nil {
		return nil, nil, err
	}
	if capture, err = devicesOf(ctx, malgo.Capture); err != nil {
		return nil, nil, err
	}
	return playback, capture, nil
}

func devicesOf(ctx *malgo.AllocatedContext, kind malgo.DeviceType) ([]DeviceInfo, error) {
	infos, err := ctx.Devices(kind)
	if err != nil {
		return nil, errors.New(err).
			Component(audiocore.ComponentAudioCore).
			Category(errors.CategoryAudioDevice).
			Context("operation", "enumerate_devices").
			Build()
	}
	out := make([]DeviceInfo, 0, len(infos))
	for i := range infos {
		// miniaudio's null backend entry
		if strings.Contains(infos[i].Name(), "Discard all samples") {
			continue
		}
		id, err := hexToASCII(infos[i].ID.String())
		if err != nil {
			id = infos[i].ID.String()
		}
		out = append(out, DeviceInfo{
			Index:     i,
			Name:      infos[i].Name(),
			ID:        id,
			IsDefault: infos[i].IsDefault == 1,
		})
	}
	return out, nil
}

// selectDevice matches by default alias, exact name, decoded ID, then partial name.
func selectDevice(devices []malgo.DeviceInfo, name string) (*malgo.DeviceInfo, error) {
	if name == "" || name == "default" || name == "sysdefault" {
		for i := range devices {
			if devices[i].IsDefault == 1 {
				return &devices[i], nil
			}
		}
		if len(devices) > 0 {
			return &devices[0], nil
		}
	}
	for i := range devices {
		if devices[i].Name() == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if id, err := hexToASCII(devices[i].ID.String()); err == nil && id == name {
			return &devices[i], nil
		}
	}
	for i := range devices {
		if strings.Contains(devices[i].Name(), name) {
			return &devices[i], nil
		}
	}
	return nil, errors.Newf("no audio device matches %q", name).
		Component(audiocore.ComponentAudioCore).
		Category(errors.CategoryAudioDevice).
		Context("device_name", name).
		Context("available_devices", len(devices)).
		Build()
}

// hexToASCII decodes the hex form of a miniaudio device ID
func hexToASCII(hexStr string) (string, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(b), "\x00"), nil
}
