package spaceInformations

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

// Usage describes the volume an evidence store lives on.
type Usage struct {
	Path       string
	Device     string
	MountPoint string
	TotalGB    float64
	FreeGB     float64
	UsedGB     float64
	StoreGB    float64
}

// CalculateDirectorySize calculates the total size of files within a directory
func CalculateDirectorySize(path string) (size int64, err error) {
	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
		}
		return nil
	})
	return
}

// GetDeviceAndMountPoint resolves the partition that holds path, walking up to the
// closest existing ancestor when path does not exist yet.
func GetDeviceAndMountPoint(path string) (string, string, error) {
	partitions, err := disk.Partitions(true)
	if err != nil {
		return "", "", err
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", "", err
	}

	matchPath, err := closestExisting(absPath)
	if err != nil {
		return "", "", err
	}
	if matchPath == string(os.PathSeparator) && matchPath != absPath {
		return "", "", fmt.Errorf("path does not exist beyond root: %s", path)
	}

	// longest mount point wins so nested mounts resolve correctly
	best := -1
	for i, partition := range partitions {
		if !contains(matchPath, partition.Mountpoint) {
			continue
		}
		if best == -1 || len(partition.Mountpoint) > len(partitions[best].Mountpoint) {
			best = i
		}
	}
	if best == -1 {
		return "", "", fmt.Errorf("mount point not found for path: %s", path)
	}
	return partitions[best].Mountpoint, partitions[best].Device, nil
}

func closestExisting(absPath string) (string, error) {
	current := absPath
	for {
		if resolved, err := filepath.EvalSymlinks(current); err == nil {
			current = resolved
		}

		_, err := os.Stat(current)
		if err == nil {
			return current, nil
		}
		if !os.IsNotExist(err) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return "", fmt.Errorf("path does not exist: %s", absPath)
		}
		current = parent
	}
}

// contains checks if a path is within the mount point.
func contains(path, mountpoint string) bool {
	if mountpoint == "" {
		return false
	}

	p := filepath.Clean(path)
	m := filepath.Clean(mountpoint)

	if m == string(os.PathSeparator) || p == m {
		return true
	}
	return strings.HasPrefix(p, strings.TrimSuffix(m, string(os.PathSeparator))+string(os.PathSeparator))
}

// GetUsage collects volume and store size information for path.
func GetUsage(path string) (Usage, error) {
	stat, err := disk.Usage(path)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}

	u := Usage{
		Path:    path,
		TotalGB: float64(stat.Total) / 1e9,
		FreeGB:  float64(stat.Free) / 1e9,
		UsedGB:  float64(stat.Used) / 1e9,
	}

	if mountPoint, device, err := GetDeviceAndMountPoint(path); err == nil {
		u.MountPoint, u.Device = mountPoint, device
	}

	size, err := CalculateDirectorySize(path)
	if err != nil {
		return Usage{}, fmt.Errorf("failed to size %s: %w", path, err)
	}
	u.StoreGB = float64(size) / 1e9
	return u, nil
}

// HasFreeSpace reports whether the volume holding path has at least minimumGB free.
func HasFreeSpace(path string, minimumGB int) (bool, float64, error) {
	if minimumGB <= 0 {
		return true, 0, nil
	}
	stat, err := disk.Usage(path)
	if err != nil {
		return false, 0, fmt.Errorf("failed to read disk usage of %s: %w", path, err)
	}
	free := float64(stat.Free) / 1e9
	return free >= float64(minimumGB), free, nil
}

// DisplayDiskUsage logs the disk usage of every path.
func DisplayDiskUsage(log *logrus.Entry, paths []string) error {
	if len(paths) == 0 {
		log.Error("No path provided in configuration")
		return fmt.Errorf("no path provided in configuration")
	}

	for _, path := range paths {
		u, err := GetUsage(path)
		if err != nil {
			log.WithError(err).WithField("path", path).Error("Error retrieving disk usage")
			return err
		}

		log.WithFields(logrus.Fields{
			"path":        u.Path,
			"device":      u.Device,
			"mount_point": u.MountPoint,
			"total_gb":    fmt.Sprintf("%.2f", u.TotalGB),
			"used_gb":     fmt.Sprintf("%.2f", u.UsedGB),
			"free_gb":     fmt.Sprintf("%.2f", u.FreeGB),
			"store_gb":    fmt.Sprintf("%.2f", u.StoreGB),
		}).Info("Disk usage information for path")
	}
	return nil
}
