package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"supportbot/internal/config"
)

// backupPaths are the files a backup covers.
type backupPaths struct {
	Config    string
	DB        string
	Knowledge string
}

func resolveBackupPaths() backupPaths {
	p := backupPaths{Config: resolveConfigPath()}
	cfg, err := config.Load(p.Config)
	if err != nil {
		cfg = config.Defaults()
	}
	p.DB = config.ExpandPath(cfg.Memory.DBPath)
	p.Knowledge = config.ExpandPath(cfg.Knowledge.Path)
	return p
}

// files lists the existing files to archive, including SQLite WAL and SHM.
func (p backupPaths) files() []string {
	var files []string
	candidates := []string{p.DB, p.DB + "-wal", p.DB + "-shm", p.Config, p.Knowledge}
	for _, f := range candidates {
		if _, err := os.Stat(f); err == nil {
			files = append(files, f)
		}
	}
	return files
}

// target maps an archived file name back to where it is restored.
func (p backupPaths) target(name string) string {
	base := filepath.Base(name)
	switch {
	case base == filepath.Base(p.Config):
		return p.Config
	case base == filepath.Base(p.Knowledge):
		return p.Knowledge
	case strings.HasSuffix(base, ".db"):
		return p.DB
	case strings.HasSuffix(base, ".db-wal"):
		return p.DB + "-wal"
	case strings.HasSuffix(base, ".db-shm"):
		return p.DB + "-shm"
	default:
		return filepath.Join(filepath.Dir(p.Config), base)
	}
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive the database, config and knowledge base",
		Long: `Creates a compressed .tar.gz archive containing the SQLite database
(tickets, conversations, embedding cache), the configuration file and the
knowledge base. The backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths()

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("supportbot-backup-%s.tar.gz", ts))
			}

			files := paths.files()
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (db: %s, config: %s)", paths.DB, paths.Config)
			}
			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			for _, f := range files {
				size := int64(0)
				if info, err := os.Stat(f); err == nil {
					size = info.Size()
				}
				fmt.Printf("  - %s (%s)\n", filepath.Base(f), humanSize(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.supportbot/backups/supportbot-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [archive]",
		Short: "Restore the database, config and knowledge base from a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths := resolveBackupPaths()

			if !force && len(paths.files()) > 0 {
				fmt.Printf("This will overwrite existing data:\n")
				fmt.Printf("  Database:  %s\n  Config:    %s\n  Knowledge: %s\n", paths.DB, paths.Config, paths.Knowledge)
				return fmt.Errorf("restore aborted (use --force to proceed)")
			}

			restored, err := extractTarGz(args[0], paths.target)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restored from %s:\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data")
	return cmd
}

// createTarGz creates a .tar.gz archive of files, stored by base name.
func createTarGz(outputPath string, files []string) error {
	outFile, err := os.Create(outputPath)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, filePath := range files {
		if err := addFileToTar(tarWriter, filePath); err != nil {
			return fmt.Errorf("add %s: %w", filePath, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filePath)

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes every regular file of the archive to target(name).
func extractTarGz(archivePath string, target func(name string) string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath := target(header.Name)
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}
		outFile, err := os.Create(targetPath)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}
		restored = append(restored, targetPath)
	}
	return restored, nil
}

func humanSize(bytes int64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case bytes >= gb:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(gb))
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
