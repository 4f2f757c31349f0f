package routes

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchRoutePattern_StaticSegment(t *testing.T) {
	route := RouteEntry{Path: "/api/health", Segments: nil}
	params, ok := matchRoutePattern(route, "/api/health")
	require.True(t, ok)
	assert.Empty(t, params)

	_, ok = matchRoutePattern(route, "/api/health/extra")
	assert.False(t, ok)
}

func TestMatchRoutePattern_DynamicSegment(t *testing.T) {
	route := RouteEntry{Path: "/api/users/[id]"}
	params, ok := matchRoutePattern(route, "/api/users/42")
	require.True(t, ok)
	assert.Equal(t, "42", params["id"])

	_, ok = matchRoutePattern(route, "/api/users")
	assert.False(t, ok)
}

func TestMatchRoutePattern_CatchAllRequiresAtLeastOneSegment(t *testing.T) {
	route := RouteEntry{Path: "/api/files/[...path]"}
	params, ok := matchRoutePattern(route, "/api/files/a/b/c")
	require.True(t, ok)
	assert.Equal(t, "a/b/c", params["path"])

	_, ok = matchRoutePattern(route, "/api/files")
	assert.False(t, ok)
}

// Resolved discrepancy from the source material: an optional catch-all
// matching zero remaining segments binds the parameter to "", it is never
// left unset.
func TestMatchRoutePattern_OptionalCatchAllBindsEmptyStringOnZeroSegments(t *testing.T) {
	route := RouteEntry{Path: "/blog/[[...rest]]"}
	params, ok := matchRoutePattern(route, "/blog")
	require.True(t, ok)
	rest, bound := params["rest"]
	require.True(t, bound)
	assert.Equal(t, "", rest)

	params, ok = matchRoutePattern(route, "/blog/2024/a")
	require.True(t, ok)
	assert.Equal(t, "2024/a", params["rest"])
}

func TestNormalizePath_StripsQueryAndFragment(t *testing.T) {
	assert.Equal(t, "/api/users", NormalizePath("/api/users?sort=asc#top"))
	assert.Equal(t, "/api/users", NormalizePath("api/users"))
}

func TestFileToModuleKey_EncodesBracketsAndStripsExtension(t *testing.T) {
	assert.Equal(t, "app/api/users/_id_", FileToModuleKey("api/users/[id].ts"))
	assert.Equal(t, "app/api/files/____path_", FileToModuleKey("api/files/[...path].tsx"))
	assert.Equal(t, "app/blog/_____rest__", FileToModuleKey("blog/[[...rest]].ts"))
}

func TestResolveDistPath_EncodesAndReplacesExtension(t *testing.T) {
	got := ResolveDistPath("api/users/[id].ts")
	assert.Equal(t, "dist/server/app/api/users/_id_.js", got)
}

func TestDetectHTTPMethods_FindsExportedHandlers(t *testing.T) {
	code := `
export async function GET(request) { return new Response("ok"); }
export const POST = async (request) => new Response("created");
`
	methods := detectHTTPMethods(code)
	assert.Contains(t, methods, "GET")
	assert.Contains(t, methods, "POST")
	assert.NotContains(t, methods, "DELETE")
}

func TestTable_MatchRoute_NotFound(t *testing.T) {
	table := NewTable(Manifest{}, false)
	_, err := table.MatchRoute("/api/missing", http.MethodGet)
	require.Error(t, err)
}

func TestTable_MatchRoute_MethodNotAllowed(t *testing.T) {
	table := NewTable(Manifest{APIRoutes: []RouteEntry{
		{Path: "/api/widgets", FilePath: "api/widgets.ts", Methods: []string{"GET"}},
	}}, false)

	_, err := table.MatchRoute("/api/widgets", http.MethodPost)
	require.Error(t, err)
}

func TestTable_MatchRoute_Success(t *testing.T) {
	table := NewTable(Manifest{APIRoutes: []RouteEntry{
		{Path: "/api/widgets/[id]", FilePath: "api/widgets/[id].ts", Methods: []string{"GET", "DELETE"}},
	}}, false)

	match, err := table.MatchRoute("/api/widgets/7", http.MethodDelete)
	require.NoError(t, err)
	assert.Equal(t, "7", match.Params["id"])
	assert.Equal(t, http.MethodDelete, match.Method)
}

func TestTable_GetSupportedMethods(t *testing.T) {
	table := NewTable(Manifest{APIRoutes: []RouteEntry{
		{Path: "/api/widgets", FilePath: "api/widgets.ts", Methods: []string{"GET", "POST"}},
	}}, false)

	methods, ok := table.GetSupportedMethods("/api/widgets")
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"GET", "POST"}, methods)

	_, ok = table.GetSupportedMethods("/api/nope")
	assert.False(t, ok)
}
