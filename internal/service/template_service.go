package service

import (
	"context"
	"sort"
	"strings"

	"github.com/unclebandit/followreach-backend/internal/model"
)

// Directory resolves campaign targets to cached followers. A nil follower
// with a nil error means the target is not cached.
type Directory interface {
	Get(ctx context.Context, idOrHandle string) (*model.Follower, error)
}

// RenderTemplate replaces every {key} in template with data[key] in a single
// pass, so substituted values are never expanded again.
func RenderTemplate(template string, data map[string]string) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", data[k])
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// FollowerData returns the placeholder values for target. Missing fields fall
// back to the next most specific value so a message never renders an empty
// name.
func FollowerData(target string, f *model.Follower) map[string]string {
	handle := strings.TrimPrefix(target, "@")
	if f == nil {
		return map[string]string{
			"id":           target,
			"screen_name":  handle,
			"display_name": handle,
		}
	}

	data := map[string]string{
		"id":           f.ID,
		"screen_name":  f.ScreenName,
		"display_name": f.DisplayName,
	}
	if data["screen_name"] == "" {
		data["screen_name"] = handle
	}
	if data["display_name"] == "" {
		data["display_name"] = data["screen_name"]
	}
	return data
}

// resolveTarget looks target up in dir and returns the id to send to and the
// rendered message.
func resolveTarget(ctx context.Context, dir Directory, target, template string) (string, string, error) {
	var f *model.Follower
	if dir != nil {
		var err error
		f, err = dir.Get(ctx, target)
		if err != nil {
			return "", "", err
		}
	}
	id := target
	if f != nil {
		id = f.ID
	}
	return id, RenderTemplate(template, FollowerData(target, f)), nil
}
