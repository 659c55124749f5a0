package claims

import (
	"testing"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/legacydb"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	"github.com/stretchr/testify/require"
)

func federatedUser(values map[string]string) *federation.FederatedUser {
	return federation.NewFederatedUser("legacy-postgres", legacydb.RecordFromMap(values))
}

func TestProjectAppliesAbsentValuePolicyByKind(t *testing.T) {
	projected := NewProjector(nil).Project(federatedUser(map[string]string{"email": "empty@example.com"}))

	require.Len(t, projected, len(DefaultFields))
	require.Equal(t, false, projected["business_user"])
	require.Equal(t, false, projected["payment_issue"])
	require.Equal(t, 0, projected["orders"])
	require.Equal(t, 0, projected["closets"])
	require.Contains(t, projected, "business_name")
	require.Nil(t, projected["business_name"])
	require.Nil(t, projected["driver_user"])
	require.Equal(t, "is_client", projected["role"], "role is always remapped")
	require.Nil(t, projected["subrole"], "absent subrole projects as null")
}

func TestProjectCoercesPresentValues(t *testing.T) {
	user := federatedUser(map[string]string{
		"id":            "9f1c",
		"email":         "full@example.com",
		"business_name": "Closet Co",
		"business_user": "true",
		"confirmed":     "f",
		"legacy":        "yes",
		"orders":        "12",
		"closets":       "many",
		"role":          "0",
		"subrole":       "3",
		"phone_number":  "555-0100",
	})

	projected := NewProjector(nil).Project(user)

	require.Equal(t, "9f1c", projected["id"])
	require.Equal(t, "Closet Co", projected["business_name"])
	require.Equal(t, true, projected["business_user"])
	require.Equal(t, false, projected["confirmed"])
	require.Equal(t, false, projected["legacy"], "unparseable booleans fall back to false")
	require.Equal(t, 12, projected["orders"])
	require.Equal(t, 0, projected["closets"], "unparseable integers fall back to 0")
	require.Equal(t, "is_admin", projected["role"])
	require.Equal(t, "operation_manager", projected["subrole"])
	require.Equal(t, "555-0100", projected["phone_number"])
}

func TestProjectReadsImportedLocalAccount(t *testing.T) {
	account := users.NewAccount("local@example.com")
	account.SetAttribute("FED_ORDERS", []string{"4"})
	account.SetAttribute("FED_BUSINESS_TYPE", []string{"retail"})

	projected := NewProjector(nil).Project(account)

	require.Equal(t, 4, projected["orders"])
	require.Equal(t, "retail", projected["business_type"])
	require.Nil(t, projected["role"])
}

func TestClaimNameIsLowerSnakeCase(t *testing.T) {
	require.Equal(t, "organization_role_id", ClaimName("Organization-Role_ID"))
	require.Equal(t, "orders", ClaimName(" orders "))
}

func TestStandardClaims(t *testing.T) {
	user := federatedUser(map[string]string{
		"id":             "ext-1",
		"email":          "std@example.com",
		"first_name":     "Stan",
		"last_name":      "Dard",
		"email_verified": "true",
	})

	standard := Standard(user)

	require.Equal(t, "f:legacy-postgres:ext-1", standard["sub"])
	require.Equal(t, "std@example.com", standard["preferred_username"])
	require.Equal(t, "std@example.com", standard["email"])
	require.Equal(t, "Stan Dard", standard["name"])
	require.Equal(t, "Stan", standard["given_name"])
	require.Equal(t, "Dard", standard["family_name"])
	require.Equal(t, true, standard["email_verified"])

	partial := Standard(federatedUser(map[string]string{"id": "2", "email": "p@example.com"}))
	require.NotContains(t, partial, "name")
	require.NotContains(t, partial, "given_name")
}

func TestBuildLetsStandardClaimsWin(t *testing.T) {
	projector := NewProjector([]FieldSpec{{Field: "email", Kind: KindString}, {Field: "orders", Kind: KindInt}})
	built := projector.Build(federatedUser(map[string]string{"id": "1", "email": "win@example.com"}))

	require.Equal(t, "win@example.com", built["email"])
	require.Equal(t, 0, built["orders"])
	require.Equal(t, "f:legacy-postgres:1", built["sub"])
}
