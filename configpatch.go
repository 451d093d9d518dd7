package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
)

const (
	settingsFileName            = "appsettings.json"
	developmentSettingsFileName = "appsettings.Development.json"
	identityServerKey           = "IdentityServer"
	developmentKeyFilePath      = "./tempkey.json"
)

// ConfigPatch records what a patch operation changed, for the run log.
type ConfigPatch struct {
	Operation string `json:"operation"`
	Source    string `json:"source"`
	Target    string `json:"target"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
}

// findSettingsFile locates name inside dir, ignoring case. Generated
// projects ship both "appsettings.json" and "appSettings.json" spellings.
func findSettingsFile(dir, name string) (string, error) {
	exact := filepath.Join(dir, name)
	if fileExists(exact) {
		return exact, nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("failed to read %s: %w", dir, err)
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), name) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", StructuralFailure("", "settings present", exact, fmt.Sprintf("expected file to exist: %s", name))
}

// clientProjectName maps a server project name to its client project name.
func clientProjectName(serverProjectName string) string {
	return strings.Replace(serverProjectName, ".Server", ".Client", 1)
}

// RenameClientRegistration renames the single client registered under
// IdentityServer in doc to clientName. The registration subtree must have
// exactly one child, which in turn has exactly one client.
func RenameClientRegistration(doc *Document, clientName string) (string, error) {
	section, err := doc.SingleKey(identityServerKey)
	if err != nil {
		return "", wrapPatchError("locate client registrations", err)
	}
	clientsPath := []string{identityServerKey, section}
	current, err := doc.SingleKey(clientsPath...)
	if err != nil {
		return "", wrapPatchError("locate client registration", err)
	}
	if err := doc.RenameKey(clientsPath, current, clientName); err != nil {
		return "", wrapPatchError("rename client registration", err)
	}
	return current, nil
}

// PatchClientRegistration rewrites the server project's settings file in place
// so its client registration is named after the client project.
func PatchClientRegistration(serverDir, serverProjectName string) (*ConfigPatch, error) {
	path, err := findSettingsFile(serverDir, settingsFileName)
	if err != nil {
		return nil, err
	}
	doc, err := LoadDocument(path)
	if err != nil {
		return nil, err
	}

	to := clientProjectName(serverProjectName)
	from, err := RenameClientRegistration(doc, to)
	if err != nil {
		return nil, err
	}
	if err := doc.Save(path); err != nil {
		return nil, err
	}
	return &ConfigPatch{
		Operation: "rename-client",
		Source:    path,
		Target:    path,
		From:      from,
		To:        to,
	}, nil
}

// UpdatePublishedSettings merges the development IdentityServer overlay into
// the server's settings, points the signing key at the development key file
// and writes the result into publishDir. The source settings are not touched.
// Test artifacts only: the published app then signs with a development key.
func UpdatePublishedSettings(serverDir, publishDir string) (*ConfigPatch, error) {
	basePath, err := findSettingsFile(serverDir, settingsFileName)
	if err != nil {
		return nil, err
	}
	devPath, err := findSettingsFile(serverDir, developmentSettingsFileName)
	if err != nil {
		return nil, err
	}

	base, err := LoadDocument(basePath)
	if err != nil {
		return nil, err
	}
	dev, err := LoadDocument(devPath)
	if err != nil {
		return nil, err
	}

	if _, err := base.Object(identityServerKey); err != nil {
		return nil, wrapPatchError("read published settings", err)
	}
	overlay, err := dev.Object(identityServerKey)
	if err != nil {
		return nil, wrapPatchError("read development settings", err)
	}
	if err := base.MergeAt([]string{identityServerKey}, overlay); err != nil {
		return nil, wrapPatchError("merge development settings", err)
	}
	if err := base.Set([]string{identityServerKey, "Key", "FilePath"}, developmentKeyFilePath); err != nil {
		return nil, wrapPatchError("set key file path", err)
	}

	target, err := securejoin.SecureJoin(publishDir, settingsFileName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve published settings path: %w", err)
	}
	if err := base.Save(target); err != nil {
		return nil, err
	}
	return &ConfigPatch{
		Operation: "publish-settings",
		Source:    basePath,
		Target:    target,
		To:        developmentKeyFilePath,
	}, nil
}

// ensureWithin rejects paths that escape root after symlink resolution.
func ensureWithin(root, path string) (string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(absRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", PreconditionFailure("patch settings", fmt.Sprintf("%s is outside %s", path, root))
	}
	resolved, err := securejoin.SecureJoin(absRoot, rel)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", path, err)
	}
	return resolved, nil
}

func wrapPatchError(step string, err error) error {
	if he, ok := AsHarnessError(err); ok {
		if he.Step == "" || he.Step == "single key" {
			he.Step = step
		}
		return he
	}
	return &HarnessError{
		Kind:  KindPrecondition,
		Step:  step,
		Msg:   "unexpected settings shape",
		Cause: err,
	}
}
