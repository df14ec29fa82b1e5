package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/yaml"

	"github.com/env360/env360/internal/domain"
	"github.com/env360/env360/internal/logging"
)

// Apply upserts a manifest with server-side apply. On an ownership conflict
// it falls back to a strategic merge patch, which takes the fields over
// regardless of the previous manager.
func (c *Client) Apply(ctx context.Context, obj *unstructured.Unstructured) (applied *unstructured.Unstructured, err error) {
	if c.observer != nil {
		defer func() { c.observer.ApplyRecorded(obj.GetKind(), err) }()
	}
	info, err := c.resolveKind(obj.GetAPIVersion(), obj.GetKind())
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(obj.Object)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	ri := c.resourceFor(info, obj.GetNamespace())

	applied, err = ri.Patch(ctx, obj.GetName(), types.ApplyPatchType, data, metav1.PatchOptions{
		FieldManager: fieldManager,
		Force:        boolPtr(true),
	})
	if err == nil {
		c.logger.Debug("applied resource",
			logging.Kind(obj.GetKind()),
			logging.Namespace(obj.GetNamespace()),
			"name", obj.GetName())
		return applied, nil
	}
	if !apierrors.IsConflict(err) {
		return nil, fmt.Errorf("failed to apply %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}

	c.logger.Warn("server-side apply conflicted, falling back to merge patch",
		logging.Kind(obj.GetKind()),
		"name", obj.GetName(),
		logging.Err(err))
	patched, err := ri.Patch(ctx, obj.GetName(), types.StrategicMergePatchType, data, metav1.PatchOptions{
		FieldManager: fieldManager,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to patch %s %s: %w", obj.GetKind(), obj.GetName(), err)
	}
	return patched, nil
}

// ApplyAll applies manifests in order, stopping at the first failure.
func (c *Client) ApplyAll(ctx context.Context, objs []*unstructured.Unstructured) ([]*unstructured.Unstructured, error) {
	out := make([]*unstructured.Unstructured, 0, len(objs))
	for _, obj := range objs {
		applied, err := c.Apply(ctx, obj)
		if err != nil {
			return out, err
		}
		out = append(out, applied)
	}
	return out, nil
}

// ApplyManifest applies every document of a multi-document YAML manifest in
// order, stopping at the first failure. Empty documents are skipped.
func (c *Client) ApplyManifest(ctx context.Context, text string) ([]*unstructured.Unstructured, error) {
	var out []*unstructured.Unstructured
	for _, doc := range splitManifestDocs(text) {
		obj := map[string]any{}
		if err := yaml.Unmarshal([]byte(doc), &obj); err != nil {
			return out, domain.Invalid("manifest", fmt.Sprintf("malformed YAML document: %v", err))
		}
		if len(obj) == 0 {
			continue
		}
		u := &unstructured.Unstructured{Object: obj}
		if u.GetKind() == "" || u.GetName() == "" {
			return out, domain.Invalid("manifest", "document missing kind or metadata.name")
		}
		applied, err := c.Apply(ctx, u)
		if err != nil {
			return out, err
		}
		out = append(out, applied)
	}
	return out, nil
}

// splitManifestDocs splits on the standard "---" document separator.
func splitManifestDocs(s string) []string {
	var docs []string
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "---" {
			docs = append(docs, b.String())
			b.Reset()
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return append(docs, b.String())
}

// Delete removes a resource, tolerating its absence.
func (c *Client) Delete(ctx context.Context, apiVersion, kind, namespace, name string) error {
	info, err := c.resolveKind(apiVersion, kind)
	if err != nil {
		return err
	}
	err = c.resourceFor(info, namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if apierrors.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", kind, name, err)
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
