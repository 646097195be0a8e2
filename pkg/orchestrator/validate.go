package orchestrator

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
	"gopkg.in/yaml.v3"

	"gitops-sentinel/pkg/domain/errors"
)

// securityPatterns flag configuration content that must never be
// deployed: hardcoded credentials, private keys and path traversal.
var securityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(password|passwd|secret|api[_-]?key|access[_-]?key)\s*[:=]\s*['"][^'"\s]{4,}['"]`),
	regexp.MustCompile(`(?i)token\s*[:=]\s*['"][A-Za-z0-9_\-.]{16,}['"]`),
	regexp.MustCompile(`-----BEGIN (RSA |EC |OPENSSH )?PRIVATE KEY-----`),
	regexp.MustCompile(`\.\./\.\./`),
	regexp.MustCompile(`(?i)aws_secret_access_key\s*[:=]`),
}

const maxScanFileBytes = 1 << 20

// ValidateConfigDir checks every YAML file under dir for syntax errors
// and scans text content for forbidden patterns. Paths matched by a
// top-level .gitignore are skipped. An empty dir is a no-op.
func ValidateConfigDir(dir string) error {
	if dir == "" {
		return nil
	}
	info, err := os.Stat(dir)
	if err != nil {
		return errors.Wrapf(err, errors.KindValidation, "orchestrator", "config checkout %s", dir).WithStage("validate")
	}
	if !info.IsDir() {
		return errors.Newf(errors.KindValidation, "orchestrator", "config checkout %s is not a directory", dir).WithStage("validate")
	}

	var matcher *ignore.GitIgnore
	if gi, err := ignore.CompileIgnoreFile(filepath.Join(dir, ".gitignore")); err == nil {
		matcher = gi
	}

	var problems []string
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, relErr := filepath.Rel(dir, path)
		if relErr != nil {
			return relErr
		}
		if d.IsDir() {
			if d.Name() == ".git" || (matcher != nil && rel != "." && matcher.MatchesPath(rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if matcher != nil && matcher.MatchesPath(rel) {
			return nil
		}
		if d.Name() == ".gitignore" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", rel, readErr))
			return nil
		}
		if len(data) > maxScanFileBytes {
			return nil
		}

		if isYAML(path) {
			var doc any
			if yerr := yaml.Unmarshal(data, &doc); yerr != nil {
				problems = append(problems, fmt.Sprintf("%s: invalid YAML: %v", rel, yerr))
				return nil
			}
		}
		for _, pattern := range securityPatterns {
			if pattern.Match(data) {
				problems = append(problems, fmt.Sprintf("%s: forbidden content matching %q", rel, pattern.String()))
				break
			}
		}
		return nil
	})
	if walkErr != nil {
		return errors.Wrap(walkErr, errors.KindValidation, "orchestrator", "walk config checkout").WithStage("validate")
	}
	if len(problems) > 0 {
		return errors.Newf(errors.KindValidation, "orchestrator", "validation found %d problem(s): %s",
			len(problems), strings.Join(problems, "; ")).WithStage("validate")
	}
	return nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
