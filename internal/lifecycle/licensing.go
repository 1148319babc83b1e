package lifecycle

import (
	"context"
	"strings"

	egerrors "github.com/enginegate/host/internal/errors"
	"github.com/enginegate/host/internal/licensing"
)

// Licensing returns the current licensing state (nil when unset).
func (c *Controller) Licensing() licensing.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lic
}

// LicensingReady reports whether the engine can be started with the current
// licensing: network and existing always can, online needs a selected
// entitlement.
func (c *Controller) LicensingReady() bool {
	switch v := c.Licensing().(type) {
	case *licensing.NetworkLicense, *licensing.ExistingLicense:
		return true
	case *licensing.OnlineLicense:
		return v.SelectedEntitlementID != ""
	default:
		return false
	}
}

// AddWarning appends a user-visible warning to the status payload.
func (c *Controller) AddWarning(msg string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, msg)
	c.mu.Unlock()
}

func (c *Controller) licensingFixed() error {
	if c.opts.NetworkLicense != "" {
		return egerrors.InvalidRequest("licensing is fixed by the server configuration")
	}
	return nil
}

// setLicensing replaces the state and persists it.
func (c *Controller) setLicensing(st licensing.State) error {
	c.mu.Lock()
	c.lic = st
	c.mu.Unlock()

	if c.opts.Store == nil {
		return nil
	}
	if err := c.opts.Store.Save(st); err != nil {
		c.logger.Warn("could not persist licensing", "error", err)
		return egerrors.Internal("failed to save licensing", err)
	}
	return nil
}

// SetNetworkLicense switches to a license server given as port@host entries.
func (c *Controller) SetNetworkLicense(connectionString string) error {
	if err := c.licensingFixed(); err != nil {
		return err
	}
	connectionString = strings.TrimSpace(connectionString)
	if err := licensing.ValidateConnectionString(connectionString); err != nil {
		return egerrors.InvalidRequest(err.Error())
	}
	c.logger.Info("licensing set", "type", string(licensing.KindNetwork))
	return c.setLicensing(&licensing.NetworkLicense{ConnectionString: connectionString})
}

// SetExistingLicense tells the engine to use whatever license the install has.
func (c *Controller) SetExistingLicense() error {
	if err := c.licensingFixed(); err != nil {
		return err
	}
	c.logger.Info("licensing set", "type", string(licensing.KindExisting))
	return c.setLicensing(&licensing.ExistingLicense{})
}

// SetOnlineLicense expands the identity token, lists the user's
// entitlements and stores the result. A single entitlement is selected
// automatically. When listing entitlements fails, the identity is still kept
// so the caller can retry selection, and the error is returned and recorded.
func (c *Controller) SetOnlineLicense(ctx context.Context, identityToken, sourceID, email string) error {
	if err := c.licensingFixed(); err != nil {
		return err
	}
	if identityToken == "" || sourceID == "" {
		return egerrors.InvalidRequest("identity token and source id are required")
	}
	if c.opts.Service == nil {
		return egerrors.OnlineLicensing("online licensing service is not configured", nil)
	}

	expanded, err := c.opts.Service.ExpandToken(ctx, identityToken, sourceID)
	if err != nil {
		c.setError(err)
		return err
	}

	st := &licensing.OnlineLicense{
		IdentityToken: identityToken,
		SourceID:      sourceID,
		Expiry:        expanded.Expiry,
		Profile:       expanded.Profile,
	}
	if st.Profile.EmailAddress == "" {
		st.Profile.EmailAddress = email
	}

	entErr := c.fetchEntitlements(ctx, st)
	if err := c.setLicensing(st); err != nil {
		return err
	}
	if entErr != nil {
		c.setError(entErr)
		return entErr
	}
	c.logger.Info("licensing set", "type", string(licensing.KindOnline), "entitlements", len(st.Entitlements))
	return nil
}

func (c *Controller) fetchEntitlements(ctx context.Context, st *licensing.OnlineLicense) error {
	release := c.opts.Release
	if release == "" {
		release = c.version.Release
	}
	if release == "" {
		return egerrors.EntitlementError("the engine release is unknown, so entitlements cannot be listed")
	}

	access, err := c.opts.Service.AccessToken(ctx, st.IdentityToken, st.SourceID)
	if err != nil {
		return err
	}
	ents, err := c.opts.Service.Entitlements(ctx, access, release)
	if err != nil {
		return err
	}
	st.Entitlements = ents
	if len(ents) == 1 {
		st.SelectedEntitlementID = ents[0].ID
	}
	return nil
}

// SelectEntitlement chooses which entitlement an online license uses.
func (c *Controller) SelectEntitlement(id string) error {
	c.mu.Lock()
	online, ok := c.lic.(*licensing.OnlineLicense)
	c.mu.Unlock()
	if !ok {
		return egerrors.InvalidRequest("entitlements apply only to online licensing")
	}

	next := *online
	next.Entitlements = append([]licensing.Entitlement(nil), online.Entitlements...)
	if err := next.Select(id); err != nil {
		return egerrors.EntitlementError(err.Error())
	}
	c.mu.Lock()
	if egerrors.Domain(egerrors.GetCode(c.lastErr)) == "licensing" {
		c.lastErr = nil
	}
	c.mu.Unlock()
	return c.setLicensing(&next)
}

// ClearLicensing stops the engine and forgets licensing, including the
// persisted copy.
func (c *Controller) ClearLicensing(ctx context.Context) error {
	if err := c.licensingFixed(); err != nil {
		return err
	}
	if err := c.Stop(ctx, true); err != nil {
		return err
	}
	c.mu.Lock()
	c.lastErr = nil
	c.mu.Unlock()
	c.logger.Info("licensing cleared")
	return c.setLicensing(nil)
}
