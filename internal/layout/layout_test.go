package layout

import "testing"

func TestMatch_ExactStatic(t *testing.T) {
	c := New()
	c.Register("/about", "about-page")

	target, params, ok := c.Match("/about")
	if !ok || target != "about-page" {
		t.Fatalf("expected exact match, got target=%v ok=%v", target, ok)
	}
	if params != nil {
		t.Fatalf("expected nil params for static route, got %v", params)
	}
}

func TestMatch_DynamicSegment(t *testing.T) {
	c := New()
	c.Register("/blog/:slug", "blog-post")

	target, params, ok := c.Match("/blog/hello-world")
	if !ok || target != "blog-post" {
		t.Fatalf("expected dynamic match, got target=%v ok=%v", target, ok)
	}
	if params["slug"] != "hello-world" {
		t.Fatalf("expected slug=hello-world, got %v", params)
	}
}

func TestMatch_CatchAllRequiresAtLeastOneSegment(t *testing.T) {
	c := New()
	c.Register("/docs/*path", "docs-page")

	if _, _, ok := c.Match("/docs"); ok {
		t.Fatal("expected catch-all to require at least one trailing segment")
	}

	target, params, ok := c.Match("/docs/a/b/c")
	if !ok || target != "docs-page" {
		t.Fatalf("expected catch-all match, got target=%v ok=%v", target, ok)
	}
	if params["path"] != "a/b/c" {
		t.Fatalf("expected path=a/b/c, got %v", params)
	}
}

func TestMatch_OptionalCatchAllMatchesEmpty(t *testing.T) {
	c := New()
	c.Register("/shop/**filters", "shop-page")

	target, params, ok := c.Match("/shop")
	if !ok || target != "shop-page" {
		t.Fatalf("expected optional catch-all to match empty trailer, got target=%v ok=%v", target, ok)
	}
	if params["filters"] != "" {
		t.Fatalf("expected empty filters param, got %q", params["filters"])
	}

	target, params, ok = c.Match("/shop/shoes/red")
	if !ok || target != "shop-page" {
		t.Fatalf("expected optional catch-all to match nonempty trailer, got target=%v ok=%v", target, ok)
	}
	if params["filters"] != "shoes/red" {
		t.Fatalf("expected filters=shoes/red, got %v", params)
	}
}

func TestMatch_StaticBeatsDynamic(t *testing.T) {
	c := New()
	c.Register("/users/:id", "user-by-id")
	c.Register("/users/me", "current-user")

	target, _, ok := c.Match("/users/me")
	if !ok || target != "current-user" {
		t.Fatalf("expected static route to win over dynamic, got target=%v ok=%v", target, ok)
	}
}

func TestMatch_DynamicBeatsCatchAll(t *testing.T) {
	c := New()
	c.Register("/files/*rest", "file-catch-all")
	c.Register("/files/:name", "file-by-name")

	target, params, ok := c.Match("/files/report.pdf")
	if !ok || target != "file-by-name" {
		t.Fatalf("expected dynamic route to win over catch-all, got target=%v ok=%v", target, ok)
	}
	if params["name"] != "report.pdf" {
		t.Fatalf("expected name=report.pdf, got %v", params)
	}
}

func TestMatch_LongestStaticPrefixWinsTie(t *testing.T) {
	c := New()
	c.Register("/a/:x/c", "shallow")
	c.Register("/a/b/:y", "deeper")

	target, params, ok := c.Match("/a/b/c")
	if !ok || target != "deeper" {
		t.Fatalf("expected longer static prefix to win, got target=%v ok=%v", target, ok)
	}
	if params["y"] != "c" {
		t.Fatalf("expected y=c, got %v", params)
	}
}

func TestMatch_NoMatch(t *testing.T) {
	c := New()
	c.Register("/about", "about-page")

	if _, _, ok := c.Match("/missing"); ok {
		t.Fatal("expected no match for unregistered path")
	}
}

func TestRegister_RejectsCatchAllNotLast(t *testing.T) {
	c := New()
	if err := c.Register("/a/*rest/b", "bad"); err == nil {
		t.Fatal("expected error for catch-all segment not in last position")
	}
}
