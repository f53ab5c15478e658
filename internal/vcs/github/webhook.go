package github

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/izavyalov-dev/delta-select/report"
)

// ProviderGitHub tags report triggers that came from GitHub webhooks.
const ProviderGitHub = "github"

const (
	EventPing        = "ping"
	EventPush        = "push"
	EventPullRequest = "pull_request"
)

var (
	// ErrIgnoredEvent marks deliveries that are valid but start no cycle.
	ErrIgnoredEvent      = errors.New("github: event does not start a cycle")
	ErrSignatureMismatch = errors.New("github: webhook signature mismatch")
)

// CycleTrigger is what a webhook delivery asks for: diff Head against Base
// in Repo and report back to the commit or pull request.
type CycleTrigger struct {
	Event    string
	Repo     string
	Owner    string
	Name     string
	Head     string
	Base     string
	PRNumber *int
}

// Key identifies the trigger for deduplication of redelivered webhooks.
func (t CycleTrigger) Key() string {
	pr := ""
	if t.PRNumber != nil {
		pr = strconv.Itoa(*t.PRNumber)
	}
	sum := sha256.Sum256([]byte(strings.Join([]string{t.Repo, t.Event, t.Head, t.Base, pr}, "\x00")))
	return hex.EncodeToString(sum[:])
}

// Report converts the trigger into the form report sinks understand.
func (t CycleTrigger) Report() *report.Trigger {
	return &report.Trigger{
		Provider:  ProviderGitHub,
		RepoOwner: t.Owner,
		RepoName:  t.Name,
		CommitSHA: t.Head,
		PRNumber:  t.PRNumber,
	}
}

// VerifySignature checks the X-Hub-Signature-256 header against the body.
func VerifySignature(secret string, body []byte, header string) error {
	if secret == "" {
		return errors.New("github: webhook secret is empty")
	}
	digest, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return fmt.Errorf("%w: expected sha256 signature header", ErrSignatureMismatch)
	}
	want, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrSignatureMismatch
	}
	return nil
}

// payload holds the fields of push and pull_request deliveries that a cycle needs.
type payload struct {
	Ref     string `json:"ref"`
	Before  string `json:"before"`
	After   string `json:"after"`
	Deleted bool   `json:"deleted"`

	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Head struct {
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			SHA string `json:"sha"`
		} `json:"base"`
	} `json:"pull_request"`

	Repository struct {
		FullName string `json:"full_name"`
		Name     string `json:"name"`
		Owner    struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
}

// ParseWebhook turns a delivery into a CycleTrigger. Events that start no
// cycle return ErrIgnoredEvent.
func ParseWebhook(eventType string, body []byte) (CycleTrigger, error) {
	if eventType != EventPush && eventType != EventPullRequest {
		return CycleTrigger{}, ErrIgnoredEvent
	}
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return CycleTrigger{}, fmt.Errorf("decode %s event: %w", eventType, err)
	}

	trigger := CycleTrigger{Event: eventType}
	switch eventType {
	case EventPush:
		if p.Deleted || p.Ref == "" || isZeroSHA(p.After) {
			return CycleTrigger{}, ErrIgnoredEvent
		}
		trigger.Head = p.After
		trigger.Base = p.Before
		if isZeroSHA(p.Before) {
			// A new branch has no previous head; diff against the parent commit.
			trigger.Base = p.After + "^"
		}
	case EventPullRequest:
		switch p.Action {
		case "opened", "synchronize", "reopened":
		default:
			return CycleTrigger{}, ErrIgnoredEvent
		}
		if p.Number <= 0 || p.PullRequest.Head.SHA == "" || p.PullRequest.Base.SHA == "" {
			return CycleTrigger{}, ErrIgnoredEvent
		}
		number := p.Number
		trigger.Head = p.PullRequest.Head.SHA
		trigger.Base = p.PullRequest.Base.SHA
		trigger.PRNumber = &number
	}

	if !isSHA(trigger.Head) || !isSHA(strings.TrimSuffix(trigger.Base, "^")) {
		return CycleTrigger{}, fmt.Errorf("%s event carries a malformed commit sha", eventType)
	}
	trigger.Repo, trigger.Owner, trigger.Name = repository(p)
	if trigger.Owner == "" || trigger.Name == "" {
		return CycleTrigger{}, fmt.Errorf("%s event missing repository metadata", eventType)
	}
	return trigger, nil
}

func repository(p payload) (full, owner, name string) {
	full = strings.TrimSpace(p.Repository.FullName)
	owner = strings.TrimSpace(p.Repository.Owner.Login)
	name = strings.TrimSpace(p.Repository.Name)
	if before, after, ok := strings.Cut(full, "/"); ok {
		if owner == "" {
			owner = before
		}
		if name == "" {
			name = after
		}
	}
	if full == "" && owner != "" && name != "" {
		full = owner + "/" + name
	}
	return full, owner, name
}

func isZeroSHA(sha string) bool {
	return strings.Trim(sha, "0") == ""
}

// isSHA accepts abbreviated and full hex object names.
func isSHA(s string) bool {
	if len(s) < 4 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}
