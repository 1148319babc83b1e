package licensing

import (
	"context"
	"fmt"

	egerrors "github.com/enginegate/host/internal/errors"
)

// TokenSource yields an access token for an online identity. *Service
// satisfies it.
type TokenSource interface {
	AccessToken(ctx context.Context, identityToken, sourceID string) (string, error)
}

// Environment returns the variables the engine needs for st. Online
// licensing fetches a fresh access token through tokens. A nil state is an
// error: the engine cannot start unlicensed.
func Environment(ctx context.Context, st State, tokens TokenSource) ([]string, error) {
	switch v := st.(type) {
	case *NetworkLicense:
		return []string{"MLM_LICENSE_FILE=" + v.ConnectionString}, nil

	case *OnlineLicense:
		if v.SelectedEntitlementID == "" {
			return nil, egerrors.EntitlementError("select an entitlement before starting the engine")
		}
		if tokens == nil {
			return nil, egerrors.OnlineLicensing("online licensing service is not configured", nil)
		}
		access, err := tokens.AccessToken(ctx, v.IdentityToken, v.SourceID)
		if err != nil {
			return nil, err
		}
		return []string{
			"MLM_WEB_LICENSE=true",
			"MLM_WEB_USER_CRED=" + access,
			"MLM_WEB_ID=" + v.SelectedEntitlementID,
			"MHLM_CONTEXT=MATLAB_JAVASCRIPT_DESKTOP",
		}, nil

	case *ExistingLicense:
		return nil, nil

	case nil:
		return nil, egerrors.LicensingRequired()

	default:
		return nil, fmt.Errorf("unknown licensing state %T", st)
	}
}
