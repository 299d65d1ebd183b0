package stripe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/avelhorn/tiersync/pkg/billing"
)

// CheckoutURL creates a Stripe Checkout Session for a subscription and
// returns its ID and hosted URL. The user_id is injected into both the
// session and subscription metadata so webhook deliveries can be attributed
// without extra API calls.
func (p *Provider) CheckoutURL(
	ctx context.Context, userID, priceID, successURL, cancelURL string,
) (string, string, error) {
	startTime := time.Now()

	if userID == "" || priceID == "" {
		return "", "", fmt.Errorf("%w: user id and price id are required", billing.ErrMissingField)
	}

	// Only ignore "not found" errors here. Fail on real errors (DB down,
	// network issues) to avoid creating duplicate customers in Stripe.
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrCustomerNotFound) && !errors.Is(err, billing.ErrUserNotFound) {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "customer_resolution_failed")
		return "", "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{
				Price:    stripe.String(priceID),
				Quantity: stripe.Int64(1),
			},
		},
		SuccessURL: stripe.String(successURL),
		CancelURL:  stripe.String(cancelURL),
	}
	params.AddMetadata(metadataUserIDKey, userID)

	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserIDKey, userID)
	if p.trialDays > 0 {
		params.SubscriptionData.TrialPeriodDays = stripe.Int64(p.trialDays)
	}

	if customerID != "" {
		params.Customer = stripe.String(customerID)
	} else {
		// ClientReferenceID links the new customer back to the user
		params.ClientReferenceID = stripe.String(userID)
		params.CustomerCreation = stripe.String("always")
	}

	session, err := p.stripeClient.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/checkout/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))
		return "", "", fmt.Errorf("%w: create checkout session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/checkout/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/checkout/sessions", time.Since(startTime))

	return session.ID, session.URL, nil
}

// PortalURL creates a Stripe Customer Portal Session and returns the URL.
// This lets users manage their subscription, update payment methods, or
// cancel.
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	startTime := time.Now()

	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "customer_not_found")
		return "", fmt.Errorf("%w: %s", billing.ErrCustomerNotFound, userID)
	}

	params := &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	}

	session, err := p.stripeClient.V1BillingPortalSessions.Create(ctx, params)
	if err != nil {
		p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "error")
		p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))
		return "", fmt.Errorf("%w: create portal session: %v", billing.ErrProviderAPIError, err)
	}

	p.metrics.RecordAPICall(providerName, "/billing_portal/sessions", "success")
	p.metrics.RecordAPICallDuration(providerName, "/billing_portal/sessions", time.Since(startTime))

	return session.URL, nil
}
