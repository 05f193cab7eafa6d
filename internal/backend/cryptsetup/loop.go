package cryptsetup

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// losetupDevice represents a loop device from losetup -l -J output
type losetupDevice struct {
	Name     string `json:"name"`
	BackFile string `json:"back-file"`
}

type losetupOutput struct {
	LoopDevices []losetupDevice `json:"loopdevices"`
}

// AttachImage attaches an image file to a free loop device and refreshes
// the pool so the device shows up. An image that is already attached is
// not attached twice.
func (p *Pool) AttachImage(ctx context.Context, image string) (string, error) {
	if !p.isRoot() {
		return "", fmt.Errorf("attaching images requires root")
	}
	if dev, err := p.FindLoop(ctx, image); err == nil && dev != "" {
		return dev, nil
	}
	output, err := p.runner.RunOutput(ctx, "losetup", "-f", "--show", image)
	if err != nil {
		return "", fmt.Errorf("failed to attach loop device: %w", err)
	}
	dev := strings.TrimSpace(output)
	if err := p.Refresh(ctx); err != nil {
		return dev, err
	}
	return dev, nil
}

// DetachImage detaches a loop device.
func (p *Pool) DetachImage(ctx context.Context, device string) error {
	if !p.isRoot() {
		return fmt.Errorf("detaching images requires root")
	}
	if _, err := p.runner.RunOutput(ctx, "losetup", "-d", device); err != nil {
		return fmt.Errorf("failed to detach loop device %s: %w", device, err)
	}
	return p.Refresh(ctx)
}

// FindLoop returns the loop device backed by image, or "".
func (p *Pool) FindLoop(ctx context.Context, image string) (string, error) {
	loops, err := p.Loops(ctx)
	if err != nil {
		return "", err
	}
	for dev, file := range loops {
		if file == image {
			return dev, nil
		}
	}
	return "", nil
}

// Loops returns all loop devices with their backing files.
func (p *Pool) Loops(ctx context.Context) (map[string]string, error) {
	output, err := p.runner.RunOutput(ctx, "losetup", "-l", "-J")
	if err != nil {
		return nil, fmt.Errorf("failed to list loop devices: %w", err)
	}
	if strings.TrimSpace(output) == "" {
		return map[string]string{}, nil
	}

	var result losetupOutput
	if err := json.Unmarshal([]byte(output), &result); err != nil {
		return nil, fmt.Errorf("failed to parse losetup output: %w", err)
	}

	devices := make(map[string]string)
	for _, dev := range result.LoopDevices {
		if dev.BackFile != "" {
			devices[dev.Name] = dev.BackFile
		}
	}
	return devices, nil
}
