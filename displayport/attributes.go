// SPDX-License-Identifier: Apache-2.0

package displayport

import (
	"path"
	"strconv"
	"strings"

	"github.com/MatthiasValvekens/usbc-hal/sysfs"
	"github.com/MatthiasValvekens/usbc-hal/typec"
	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log/level"
)

var errPinNotChosen = errors.New("pin assignment not yet chosen")

// FindPartnerDir returns the displayport directory of the first alternate
// mode of the partner that has one.
func FindPartnerDir(fs *sysfs.Accessor, partnerDir string) (string, error) {
	entries, err := fs.ReadDir(partnerDir)
	if err != nil {
		return "", err
	}
	for _, e := range entries {
		dir := path.Join(partnerDir, e.Name(), "displayport")
		if fs.IsDir(dir) {
			return dir, nil
		}
	}
	return "", errors.Newf("no displayport alternate mode below %s", partnerDir)
}

// PartnerSVIDs lists the SVIDs of the alternate modes advertised by the
// partner.
func PartnerSVIDs(fs *sysfs.Accessor, partnerDir string) ([]string, error) {
	entries, err := fs.ReadDir(partnerDir)
	if err != nil {
		return nil, err
	}
	var svids []string
	for _, e := range entries {
		dir := path.Join(partnerDir, e.Name())
		if !fs.IsDir(dir) {
			continue
		}
		svid, err := fs.ReadTrimmed(path.Join(dir, "svid"))
		if err != nil {
			continue
		}
		svids = append(svids, svid)
	}
	return svids, nil
}

// partnerActivePath maps a partner displayport directory to the active
// attribute of its alternate mode.
func partnerActivePath(dpDir string) string {
	return path.Join(path.Dir(dpDir), "mode1", "active")
}

// PartnerActivePath locates the active attribute of the partner's
// DisplayPort alternate mode.
func (c *Controller) PartnerActivePath() (string, error) {
	dpDir, err := FindPartnerDir(c.fs, c.cfg.PartnerDir)
	if err != nil {
		return "", err
	}
	return partnerActivePath(dpDir), nil
}

// AltModeData derives the DisplayPort alternate mode descriptor of the
// port. Without a partner displayport directory the descriptor is empty,
// unless the partner only speaks Thunderbolt, in which case the cable is
// reported as not capable.
func (c *Controller) AltModeData() typec.DisplayPortAltModeData {
	dpDir, err := FindPartnerDir(c.fs, c.cfg.PartnerDir)
	if err != nil {
		var d typec.DisplayPortAltModeData
		if svids, err := PartnerSVIDs(c.fs, c.cfg.PartnerDir); err == nil && typec.IsThunderboltOnly(svids) {
			d.CableStatus = typec.DisplayPortAltModeNotCapable
		}
		return d
	}

	read := func(p string) string {
		v, err := c.fs.Read(p)
		if err != nil {
			_ = level.Warn(c.logger).Log("msg", "failed to read displayport attribute", "err", err)
		}
		return v
	}
	return typec.NewDisplayPortAltModeData(
		read(path.Join(dpDir, "hpd")),
		read(path.Join(dpDir, "pin_assignment")),
		read(path.Join(c.cfg.DRMDir, "link_status")),
		read(path.Join(path.Dir(dpDir), "vdo")),
	)
}

// mirror copies a watched Type-C attribute into the DRM attribute of the
// same name. HPD is not lowered again if both sides already read low, and
// only a chosen pin assignment is forwarded, as its bare letter.
func (c *Controller) mirror(name string, at *sysfs.Attribute) error {
	value, err := at.ReadCurrent()
	if err != nil {
		return err
	}
	drmPath := path.Join(c.cfg.DRMDir, name)

	switch name {
	case "hpd":
		if strings.HasPrefix(value, "0") {
			drm, err := c.fs.Read(drmPath)
			if err != nil {
				return err
			}
			if strings.HasPrefix(drm, "0") {
				_ = level.Debug(c.logger).Log("msg", "skipping hpd write, usb and drm both low")
				return nil
			}
		}
	case "pin_assignment":
		pin, ok := typec.SelectedPin(value)
		if !ok {
			return errPinNotChosen
		}
		value = pin
	}

	if err := c.fs.Write(drmPath, value); err != nil {
		return err
	}
	_ = level.Info(c.logger).Log("msg", "mirrored attribute to drm", "attribute", name, "value", strings.TrimSpace(value))
	return nil
}

// mirrorIrqHpdCount forwards the port controller's IRQ_HPD counter to DRM.
// The counter is noisy, so unchanged values are not forwarded again.
func (c *Controller) mirrorIrqHpdCount(countPath string) error {
	if countPath == "" {
		return errors.New("irq_hpd_count location unknown")
	}
	count, err := c.fs.ReadUint(countPath)
	if err != nil {
		return err
	}

	c.irqMu.Lock()
	if c.irqHpdCount == count {
		c.irqMu.Unlock()
		return nil
	}
	c.irqHpdCount = count
	c.irqMu.Unlock()

	return c.fs.Write(path.Join(c.cfg.DRMDir, "irq_hpd"), strconv.FormatUint(count, 10))
}
