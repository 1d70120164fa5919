package tiktok

import "strings"

// ShareURL builds the public URL of a post. Without a video id it falls back
// to the creator's profile; without a username nothing can be built.
func ShareURL(username, videoID string) string {
	u := strings.TrimPrefix(strings.TrimSpace(username), "@")
	if u == "" {
		return ""
	}
	if v := strings.TrimSpace(videoID); v != "" {
		return "https://www.tiktok.com/@" + u + "/video/" + v
	}
	return "https://www.tiktok.com/@" + u
}
