package warmap

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// Options configures one Parse call.
type Options struct {
	// BaseURL resolves relative emblem/image URLs against the upstream
	// origin.
	BaseURL string
	// Now is the wall-clock instant the parse is anchored to, overridable
	// in tests. Defaults to time.Now if zero.
	Now time.Time
	// AttackWindow is how fresh a underAttack event must be to mark a
	// keep's UnderAttack true (default 7m).
	AttackWindow time.Duration
}

var (
	captureRe = regexp.MustCompile(`(?i)^(.+?) (?:has been|was) captured by (?:the forces of )?(Albion|Midgard|Hibernia)(?: led by (.+))?$`)
	uaRowRe   = regexp.MustCompile(`(?i)^(.+?) (?:is|was) under attack`)
	levelRe   = regexp.MustCompile(`(?i)level\s+(\d+)\s*keep`)
	uaTextRe  = regexp.MustCompile(`(?i)under\s*attack`)
	relTimeRe = regexp.MustCompile(`(?i)(\d+)\s*(m|h|d)\w*\s*ago`)

	// uaBannerFilenameRe is a tight allowlist of siege-banner image
	// filenames; a bare substring match on "under" would false-positive on
	// unrelated assets.
	uaBannerFilenameRe = regexp.MustCompile(`(?i)(under[-_]?attack|siege[-_]?banner)\.(gif|png|jpe?g)$`)

	ownerClassRe = regexp.MustCompile(`^keepinfo_(alb|mid|hib)`)
)

var realmByCode = map[string]Realm{
	"alb": RealmAlbion,
	"mid": RealmMidgard,
	"hib": RealmHibernia,
}

// realmFromHint maps a liberal substring (class name, filename, alt text)
// to a Realm, or RealmNone if no hint matches.
func realmFromHint(s string) Realm {
	s = strings.ToLower(s)
	switch {
	case strings.Contains(s, "albion") || strings.Contains(s, "alb"):
		return RealmAlbion
	case strings.Contains(s, "midgard") || strings.Contains(s, "mid"):
		return RealmMidgard
	case strings.Contains(s, "hibernia") || strings.Contains(s, "hib"):
		return RealmHibernia
	default:
		return RealmNone
	}
}

// Slugify derives a stable keep ID from its display name: lowercase,
// non-alphanumeric runs collapsed to a single hyphen, leading/trailing
// hyphens trimmed. Deterministic from name, so event rows and keep panels
// naming the same keep land on the same ID.
func Slugify(name string) string {
	var sb strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && sb.Len() > 0 {
				sb.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.Trim(sb.String(), "-")
}

// Parse turns one Herald warmap HTML document into a Snapshot. It never
// errors on missing optional fields; a document with no keep panels at all
// yields an empty Keeps slice, which callers must treat as "do not advance
// baselines".
func Parse(data []byte, opts Options) (*Snapshot, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}
	attackWindow := opts.AttackWindow
	if attackWindow <= 0 {
		attackWindow = 7 * time.Minute
	}

	root, err := parseFragment(data)
	if err != nil {
		return &Snapshot{UpdatedAt: now}, nil
	}

	keeps := parseKeeps(root, opts.BaseURL)
	events := parseEvents(root, keeps, now)
	applyUnderAttackEvents(keeps, events, attackWindow, now)
	dfOwner := parseDFOwner(root)

	snap := &Snapshot{
		UpdatedAt: now,
		Keeps:     keeps,
		Events:    events,
		DFOwner:   dfOwner,
	}
	return snap, nil
}

// parseKeeps finds every element carrying a keepinfo_{alb|mid|hib} class
// marker and treats it as a keep's header cell: owner comes from this
// marker; name/level/claimedBy/UA/emblem are all derived from that same
// cell.
func parseKeeps(root *html.Node, baseURL string) []Keep {
	headers := findAll(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		_, ok := hasClassPrefix(n, "keepinfo_")
		return ok
	})

	var keeps []Keep
	seen := make(map[string]bool)
	for _, header := range headers {
		cls, _ := hasClassPrefix(header, "keepinfo_")
		m := ownerClassRe.FindStringSubmatch(cls)
		if m == nil {
			continue
		}
		owner := realmByCode[m[1]]

		lines := cellLines(header)
		if len(lines) == 0 {
			continue
		}
		name := lines[0]
		id := Slugify(name)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		fullText := nodeText(header)

		level := 0
		if lm := levelRe.FindStringSubmatch(fullText); lm != nil {
			if n, err := strconv.Atoi(lm[1]); err == nil {
				level = n
			}
		}

		claimedBy := claimedByFromLines(lines, name)

		kind := KeepTypeKeep
		if cls2, ok := hasClassPrefix(header, "keepinfo_"); ok && strings.Contains(cls2, "relic") {
			kind = KeepTypeRelic
		}
		for _, c := range classes(header) {
			if strings.Contains(c, "relic") {
				kind = KeepTypeRelic
			}
		}

		emblemURL := findEmblem(header, baseURL)
		headerUA := detectHeaderUnderAttack(header, fullText)

		keeps = append(keeps, Keep{
			ID:                id,
			Name:              name,
			Type:              kind,
			Owner:             owner,
			Level:             level,
			ClaimedBy:         claimedBy,
			EmblemURL:         emblemURL,
			HeaderUnderAttack: headerUA,
			UnderAttack:       headerUA,
		})
	}
	return keeps
}

// claimedByFromLines scans a header cell's text lines bottom-up,
// rejecting the keep name itself, level lines, emblem mentions, and the
// under-attack phrase. The first surviving line (scanning from the
// bottom) is the claiming guild/player; absent any survivor, ClaimedBy is
// empty.
func claimedByFromLines(lines []string, name string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		line := lines[i]
		switch {
		case line == name:
			continue
		case levelRe.MatchString(line):
			continue
		case strings.Contains(strings.ToLower(line), "emblem"):
			continue
		case uaTextRe.MatchString(line):
			continue
		default:
			return line
		}
	}
	return ""
}

func findEmblem(header *html.Node, baseURL string) string {
	for _, img := range images(header) {
		alt, _ := attr(img, "alt")
		src, _ := attr(img, "src")
		if strings.Contains(strings.ToLower(alt), "emblem") || strings.Contains(strings.ToLower(src), "emblem") {
			return resolveURL(baseURL, src)
		}
	}
	return ""
}

func detectHeaderUnderAttack(header *html.Node, fullText string) bool {
	if uaTextRe.MatchString(fullText) {
		return true
	}
	for _, img := range images(header) {
		alt, _ := attr(img, "alt")
		if strings.Contains(strings.ToLower(alt), "under attack") {
			return true
		}
		src, _ := attr(img, "src")
		if uaBannerFilenameRe.MatchString(src) {
			return true
		}
	}
	return false
}

func resolveURL(base, ref string) string {
	if ref == "" {
		return ""
	}
	if base == "" {
		return ref
	}
	baseU, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refU, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseU.ResolveReference(refU).String()
}

// parseEvents locates every table row whose text contains a relative-age
// marker ("3h ago") and tries the capture pattern then the under-attack
// pattern against the row's description text. Rows matching neither
// pattern are skipped; EventOther exists for completeness but the two
// recognized patterns are the only ones the source emits.
func parseEvents(root *html.Node, keeps []Keep, now time.Time) []Event {
	keepBySlug := make(map[string]string) // slug -> canonical name
	for _, k := range keeps {
		keepBySlug[k.ID] = k.Name
	}

	rows := findAll(root, func(n *html.Node) bool { return isElement(n, "tr") })

	bucketIndex := make(map[string]int)
	var events []Event

	for _, row := range rows {
		text := nodeText(row)
		loc := relTimeRe.FindStringSubmatchIndex(text)
		if loc == nil {
			continue
		}
		timeMatch := relTimeRe.FindStringSubmatch(text)
		bucketKey := strings.ToLower(strings.TrimSpace(text[loc[0]:loc[1]]))

		desc := strings.TrimSpace(text[:loc[0]]) + " " + strings.TrimSpace(text[loc[1]:])
		desc = strings.TrimSpace(desc)
		desc = strings.Trim(desc, " -|()")

		at, ok := bucketedTimestamp(timeMatch, now, bucketKey, bucketIndex)
		if !ok {
			continue
		}

		if m := captureRe.FindStringSubmatch(desc); m != nil {
			keepName := strings.TrimSpace(m[1])
			ev := Event{
				At:       at,
				Kind:     EventCaptured,
				KeepID:   Slugify(keepName),
				KeepName: keepName,
				NewOwner: Realm(m[2]),
				Leader:   strings.TrimSpace(m[3]),
				Raw:      text,
			}
			events = append(events, ev)
			continue
		}
		if m := uaRowRe.FindStringSubmatch(desc); m != nil {
			keepName := strings.TrimSpace(m[1])
			ev := Event{
				At:       at,
				Kind:     EventUnderAttack,
				KeepID:   Slugify(keepName),
				KeepName: keepName,
				Raw:      text,
			}
			events = append(events, ev)
			continue
		}
	}

	sortEventsNewestFirst(events)
	if len(events) > MaxEvents {
		events = events[:MaxEvents]
	}
	return events
}

// bucketedTimestamp parses the magnitude+unit of a relative-time token and
// assigns a synthetic instant, spreading same-bucket events 1 minute apart
// so intra-bucket ordering survives without falsely colocating them.
func bucketedTimestamp(m []string, now time.Time, bucketKey string, bucketIndex map[string]int) (time.Time, bool) {
	if len(m) < 3 {
		return time.Time{}, false
	}
	mag, err := strconv.Atoi(m[1])
	if err != nil {
		return time.Time{}, false
	}
	var unit time.Duration
	switch strings.ToLower(m[2])[:1] {
	case "m":
		unit = time.Minute
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	default:
		return time.Time{}, false
	}

	idx := bucketIndex[bucketKey]
	bucketIndex[bucketKey] = idx + 1

	base := now.Add(-time.Duration(mag) * unit)
	return base.Add(-time.Duration(idx) * time.Minute), true
}

func sortEventsNewestFirst(events []Event) {
	for i := 1; i < len(events); i++ {
		for j := i; j > 0 && events[j].At.After(events[j-1].At); j-- {
			events[j], events[j-1] = events[j-1], events[j]
		}
	}
}

// applyUnderAttackEvents sets UnderAttack/LastEvent on keeps that have a
// fresh underAttack event: underAttack is the OR of the header banner and
// any recent UA event within attackWindow.
func applyUnderAttackEvents(keeps []Keep, events []Event, attackWindow time.Duration, now time.Time) {
	byID := make(map[string]int, len(keeps))
	for i, k := range keeps {
		byID[k.ID] = i
	}
	for _, ev := range events {
		if ev.Kind != EventUnderAttack {
			continue
		}
		idx, ok := byID[ev.KeepID]
		if !ok {
			continue
		}
		if within(ev.At, attackWindow, now) {
			keeps[idx].UnderAttack = true
			if keeps[idx].LastEvent.IsZero() || ev.At.After(keeps[idx].LastEvent) {
				keeps[idx].LastEvent = ev.At
			}
		}
	}
}

func within(at time.Time, window time.Duration, now time.Time) bool {
	return now.Sub(at) <= window
}

// parseDFOwner infers Darkness Falls ownership from the first image inside
// a df-labelled container whose src or alt carries a realm hint, defaulting
// to Midgard when ambiguous.
func parseDFOwner(root *html.Node) Realm {
	containers := findAll(root, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return false
		}
		id, _ := attr(n, "id")
		if strings.Contains(strings.ToLower(id), "df") {
			return true
		}
		for _, c := range classes(n) {
			if strings.Contains(c, "df") {
				return true
			}
		}
		return false
	})

	for _, container := range containers {
		for _, img := range images(container) {
			alt, _ := attr(img, "alt")
			if realm := realmFromHint(alt); realm != RealmNone {
				return realm
			}
			src, _ := attr(img, "src")
			if realm := realmFromHint(src); realm != RealmNone {
				return realm
			}
		}
	}
	return RealmMidgard
}
