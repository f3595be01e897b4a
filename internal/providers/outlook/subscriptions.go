package outlook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"

	"github.com/Martian-dev/syncd/internal/domain"
)

const subscriptionChangeTypes = "created,updated,deleted"

// SubscriptionClient manages Graph change-notification subscriptions.
type SubscriptionClient struct {
	notificationURL string
	logger          *slog.Logger
}

// NewSubscriptionClient creates a client whose subscriptions deliver to
// notificationURL, for both change and lifecycle notifications.
func NewSubscriptionClient(notificationURL string, logger *slog.Logger) *SubscriptionClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &SubscriptionClient{
		notificationURL: notificationURL,
		logger:          logger.With("component", "graph-subscriptions"),
	}
}

// ResourcePath is the Graph resource watched for a resource type.
func ResourcePath(resource domain.ResourceType) (string, error) {
	switch resource {
	case domain.ResourceMail:
		return "me/mailFolders('Inbox')/messages", nil
	case domain.ResourceCalendar:
		return "me/events", nil
	case domain.ResourceContacts:
		return "me/contacts", nil
	default:
		return "", fmt.Errorf("graph: no subscription resource for %q: %w", resource, domain.ErrUnsupported)
	}
}

// Create registers a subscription and returns its id and the expiry Graph
// actually granted.
func (s *SubscriptionClient) Create(ctx context.Context, accessToken string, resource domain.ResourceType, clientState string, expiresAt time.Time) (string, time.Time, error) {
	path, err := ResourcePath(resource)
	if err != nil {
		return "", time.Time{}, err
	}
	client, err := s.graph(accessToken)
	if err != nil {
		return "", time.Time{}, err
	}

	changeType := subscriptionChangeTypes
	body := models.NewSubscription()
	body.SetChangeType(&changeType)
	body.SetNotificationUrl(&s.notificationURL)
	body.SetLifecycleNotificationUrl(&s.notificationURL)
	body.SetResource(&path)
	body.SetExpirationDateTime(&expiresAt)
	body.SetClientState(&clientState)

	created, err := client.Subscriptions().Post(ctx, body, nil)
	if err != nil {
		return "", time.Time{}, classifyODataError("create subscription", err)
	}
	if created.GetId() == nil {
		return "", time.Time{}, fmt.Errorf("graph: create subscription: response without id: %w", domain.ErrTransient)
	}

	granted := expiresAt
	if exp := created.GetExpirationDateTime(); exp != nil {
		granted = *exp
	}
	s.logger.Debug("subscription created", "resource", path, "expires_at", granted)
	return *created.GetId(), granted, nil
}

// Renew extends a subscription and returns the granted expiry.
func (s *SubscriptionClient) Renew(ctx context.Context, accessToken, id string, expiresAt time.Time) (time.Time, error) {
	client, err := s.graph(accessToken)
	if err != nil {
		return time.Time{}, err
	}

	body := models.NewSubscription()
	body.SetExpirationDateTime(&expiresAt)

	updated, err := client.Subscriptions().BySubscriptionId(id).Patch(ctx, body, nil)
	if err != nil {
		return time.Time{}, classifyODataError("renew subscription", err)
	}
	if updated != nil && updated.GetExpirationDateTime() != nil {
		return *updated.GetExpirationDateTime(), nil
	}
	return expiresAt, nil
}

// Delete removes a subscription. A subscription Graph no longer knows is
// reported as domain.ErrNotFound.
func (s *SubscriptionClient) Delete(ctx context.Context, accessToken, id string) error {
	client, err := s.graph(accessToken)
	if err != nil {
		return err
	}
	if err := client.Subscriptions().BySubscriptionId(id).Delete(ctx, nil); err != nil {
		return classifyODataError("delete subscription", err)
	}
	return nil
}

func (s *SubscriptionClient) graph(accessToken string) (*msgraphsdk.GraphServiceClient, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(&staticTokenCredential{token: accessToken}, []string{})
	if err != nil {
		return nil, fmt.Errorf("graph: create SDK client: %w", err)
	}
	return client, nil
}

func classifyODataError(op string, err error) error {
	var oerr *odataerrors.ODataError
	if !errors.As(err, &oerr) {
		return fmt.Errorf("graph: %s: %w: %w", op, domain.ErrTransient, err)
	}

	perr := &domain.ProviderError{StatusCode: oerr.ResponseStatusCode, Message: oerr.Error()}
	if main := oerr.GetErrorEscaped(); main != nil {
		if code := main.GetCode(); code != nil {
			perr.Code = *code
		}
		if msg := main.GetMessage(); msg != nil {
			perr.Message = *msg
		}
	}

	switch {
	case perr.StatusCode == http.StatusNotFound:
		perr.Err = domain.ErrNotFound
	case perr.StatusCode == http.StatusUnauthorized, isRetryable(perr.StatusCode):
		perr.Err = domain.ErrTransient
	}
	return fmt.Errorf("graph: %s: %w", op, perr)
}

// staticTokenCredential hands the SDK an access token obtained elsewhere.
type staticTokenCredential struct {
	token string
}

func (c *staticTokenCredential) GetToken(_ context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{
		Token:     c.token,
		ExpiresOn: time.Now().Add(5 * time.Minute),
	}, nil
}
