package hypervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"libvirt.org/go/libvirtxml"
)

// baseImageName derives the cached volume name from the image URL.
// Format: the last path element, e.g. noble-server-cloudimg-amd64.img.
func baseImageName(url string) string {
	name := url[strings.LastIndex(url, "/")+1:]
	if name == "" {
		name = "base.img"
	}
	return name
}

// fetchBaseImage downloads the base cloud image into cacheDir, verifying
// the SHA-256 checksum when one is configured. A cached file that passes
// verification is reused without a download.
func fetchBaseImage(ctx context.Context, cacheDir, url, sha256sum string) (string, error) {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create cache dir %s: %w", cacheDir, err)
	}

	path := filepath.Join(cacheDir, baseImageName(url))
	if _, err := os.Stat(path); err == nil {
		if sha256sum == "" {
			return path, nil
		}
		ok, err := verifyChecksum(path, sha256sum)
		if err != nil {
			return "", err
		}
		if ok {
			return path, nil
		}
		// Corrupt or stale cache entry, refetch.
		_ = os.Remove(path)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build image request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download base image %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download base image %s: HTTP %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(cacheDir, ".download-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write base image: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close base image: %w", err)
	}

	if sha256sum != "" {
		ok, err := verifyChecksum(tmpPath, sha256sum)
		if err != nil {
			return "", err
		}
		if !ok {
			return "", fmt.Errorf("base image %s failed checksum verification", url)
		}
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return "", fmt.Errorf("failed to move base image into cache: %w", err)
	}
	return path, nil
}

func verifyChecksum(path, want string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return false, fmt.Errorf("failed to hash %s: %w", path, err)
	}
	return strings.EqualFold(hex.EncodeToString(h.Sum(nil)), want), nil
}

// ensurePool makes sure the directory-backed storage pool exists, is
// running, and autostarts.
func ensurePool(lv libvirtClient, name, path string) error {
	if _, err := lv.StoragePoolLookupByName(name); err == nil {
		return nil
	}

	poolDef := &libvirtxml.StoragePool{
		Type: "dir",
		Name: name,
		Target: &libvirtxml.StoragePoolTarget{
			Path: path,
		},
	}
	poolXML, err := poolDef.Marshal()
	if err != nil {
		return fmt.Errorf("failed to generate pool XML: %w", err)
	}

	pool, err := lv.StoragePoolDefineXML(poolXML, 0)
	if err != nil {
		return fmt.Errorf("failed to define pool %s: %w", name, err)
	}
	if err := lv.StoragePoolBuild(pool, 0); err != nil {
		_ = lv.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to build pool %s: %w", name, err)
	}
	if err := lv.StoragePoolCreate(pool, 0); err != nil {
		_ = lv.StoragePoolUndefine(pool)
		return fmt.Errorf("failed to start pool %s: %w", name, err)
	}
	if err := lv.StoragePoolSetAutostart(pool, 1); err != nil {
		return fmt.Errorf("pool %s created but failed to set autostart: %w", name, err)
	}
	return nil
}

// ensureBaseImage uploads the base cloud image into the pool once. If a
// volume with the image name already exists, it is reused.
func ensureBaseImage(ctx context.Context, lv libvirtClient, poolName, imagePath string) (string, error) {
	pool, err := lv.StoragePoolLookupByName(poolName)
	if err != nil {
		return "", fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	volName := filepath.Base(imagePath)
	if _, err := lv.StorageVolLookupByName(pool, volName); err == nil {
		return volName, nil
	}

	info, err := os.Stat(imagePath)
	if err != nil {
		return "", fmt.Errorf("failed to stat base image: %w", err)
	}

	volDef := &libvirtxml.StorageVolume{
		Name: volName,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: uint64(info.Size()),
			Unit:  "bytes",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}
	volXML, err := volDef.Marshal()
	if err != nil {
		return "", fmt.Errorf("failed to generate volume XML: %w", err)
	}

	vol, err := lv.StorageVolCreateXML(pool, volXML, 0)
	if err != nil {
		return "", fmt.Errorf("failed to create base image volume: %w", err)
	}

	f, err := os.Open(imagePath)
	if err != nil {
		_ = lv.StorageVolDelete(vol, 0)
		return "", fmt.Errorf("failed to open base image: %w", err)
	}
	defer f.Close()

	if err := lv.StorageVolUpload(vol, f, 0, uint64(info.Size()), 0); err != nil {
		_ = lv.StorageVolDelete(vol, 0)
		return "", fmt.Errorf("failed to upload base image: %w", err)
	}
	return volName, nil
}

// createOverlayVolume creates a qcow2 volume backed by the base image, so
// each guest boots from a thin linked clone instead of a full copy.
func createOverlayVolume(lv libvirtClient, poolName, volName, baseVolName string, capacityGiB uint64) error {
	pool, err := lv.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}
	baseVol, err := lv.StorageVolLookupByName(pool, baseVolName)
	if err != nil {
		return fmt.Errorf("base image volume %s not found: %w", baseVolName, err)
	}
	basePath, err := lv.StorageVolGetPath(baseVol)
	if err != nil {
		return fmt.Errorf("failed to resolve base image path: %w", err)
	}

	volDef := &libvirtxml.StorageVolume{
		Name: volName,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: capacityGiB,
			Unit:  "GiB",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
		BackingStore: &libvirtxml.StorageVolumeBackingStore{
			Path:   basePath,
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "qcow2"},
		},
	}
	volXML, err := volDef.Marshal()
	if err != nil {
		return fmt.Errorf("failed to generate overlay volume XML: %w", err)
	}

	if _, err := lv.StorageVolCreateXML(pool, volXML, 0); err != nil {
		return fmt.Errorf("failed to create overlay volume %s: %w", volName, err)
	}
	return nil
}

// uploadSeedISO writes the cloud-init seed ISO into the pool as a raw
// volume.
func uploadSeedISO(lv libvirtClient, poolName, volName string, data []byte) error {
	pool, err := lv.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}

	volDef := &libvirtxml.StorageVolume{
		Name: volName,
		Capacity: &libvirtxml.StorageVolumeSize{
			Value: uint64(len(data)),
			Unit:  "bytes",
		},
		Target: &libvirtxml.StorageVolumeTarget{
			Format: &libvirtxml.StorageVolumeTargetFormat{Type: "raw"},
		},
	}
	volXML, err := volDef.Marshal()
	if err != nil {
		return fmt.Errorf("failed to generate seed volume XML: %w", err)
	}

	vol, err := lv.StorageVolCreateXML(pool, volXML, 0)
	if err != nil {
		return fmt.Errorf("failed to create seed volume %s: %w", volName, err)
	}
	if err := lv.StorageVolUpload(vol, strings.NewReader(string(data)), 0, uint64(len(data)), 0); err != nil {
		_ = lv.StorageVolDelete(vol, 0)
		return fmt.Errorf("failed to upload seed ISO: %w", err)
	}
	return nil
}

// deleteGuestVolumes removes every volume whose name carries the guest's
// prefix. Best effort; the first error is remembered but deletion
// continues.
func deleteGuestVolumes(lv libvirtClient, poolName, guestName string) error {
	pool, err := lv.StoragePoolLookupByName(poolName)
	if err != nil {
		return fmt.Errorf("pool %s not found: %w", poolName, err)
	}
	vols, _, err := lv.StoragePoolListAllVolumes(pool, 1, 0)
	if err != nil {
		return fmt.Errorf("failed to list volumes: %w", err)
	}

	var firstErr error
	prefix := guestName + "_"
	for _, vol := range vols {
		if !strings.HasPrefix(vol.Name, prefix) {
			continue
		}
		if err := lv.StorageVolDelete(vol, 0); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to delete volume %s: %w", vol.Name, err)
		}
	}
	return firstErr
}
