package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dop251/goja"
)

var errScriptTimeout = errors.New("script timeout")

// domShim builds the minimal browser surface the challenge script inspects:
// a document holding the sandboxed #jsa iframe, window aliases, location and
// the two DDG build globals. Nothing here can reach the network or the disk.
const domShim = `(function (g) {
  function makeElement(tag) {
    var el = {
      tagName: String(tag).toUpperCase(),
      nodeName: String(tag).toUpperCase(),
      nodeType: 1,
      attributes: {},
      children: [],
      childNodes: [],
      style: {},
      innerHTML: "",
      textContent: "",
      parentNode: null,
      setAttribute: function (k, v) { this.attributes[k] = String(v); if (k === "id") { this.id = String(v); } },
      getAttribute: function (k) { return Object.prototype.hasOwnProperty.call(this.attributes, k) ? this.attributes[k] : null; },
      removeAttribute: function (k) { delete this.attributes[k]; },
      hasAttribute: function (k) { return Object.prototype.hasOwnProperty.call(this.attributes, k); },
      appendChild: function (c) { this.children.push(c); this.childNodes.push(c); c.parentNode = this; return c; },
      removeChild: function (c) {
        var i = this.children.indexOf(c);
        if (i >= 0) { this.children.splice(i, 1); this.childNodes.splice(i, 1); }
        c.parentNode = null;
        return c;
      },
      addEventListener: function () {},
      removeEventListener: function () {},
      querySelector: function () { return null; },
      querySelectorAll: function () { return []; },
      getElementsByTagName: function () { return []; },
      getBoundingClientRect: function () { return { x: 0, y: 0, width: 0, height: 0, top: 0, left: 0, right: 0, bottom: 0 }; }
    };
    return el;
  }
  function makeDocument(win) {
    return {
      nodeType: 9,
      readyState: "complete",
      cookie: "",
      referrer: "",
      title: "",
      defaultView: win,
      head: makeElement("head"),
      body: makeElement("body"),
      documentElement: makeElement("html"),
      createElement: makeElement,
      createTextNode: function (t) { return { nodeType: 3, textContent: String(t) }; },
      addEventListener: function () {},
      removeEventListener: function () {},
      getElementById: function () { return null; },
      querySelector: function () { return null; },
      querySelectorAll: function () { return []; },
      getElementsByTagName: function () { return []; }
    };
  }

  var frame = {};
  frame.window = frame;
  frame.self = frame;
  frame.top = g;
  frame.parent = g;
  frame.document = makeDocument(frame);
  frame.navigator = g.navigator;

  var iframe = makeElement("iframe");
  iframe.setAttribute("id", "jsa");
  iframe.setAttribute("sandbox", "allow-scripts allow-same-origin");
  iframe.contentWindow = frame;
  iframe.contentDocument = frame.document;

  var doc = makeDocument(g);
  doc.body.appendChild(iframe);
  var byID = { jsa: iframe };
  doc.getElementById = function (id) { return byID[id] || null; };
  doc.querySelector = function (sel) {
    sel = String(sel);
    if (sel.charAt(0) === "#") { return byID[sel.slice(1)] || null; }
    if (sel.toLowerCase() === "iframe") { return iframe; }
    return null;
  };
  doc.querySelectorAll = function (sel) { var el = doc.querySelector(sel); return el ? [el] : []; };
  doc.getElementsByTagName = function (tag) { return String(tag).toLowerCase() === "iframe" ? [iframe] : []; };

  g.document = doc;
  g.window = g;
  g.self = g;
  g.top = g;
  g.parent = g;
  g.frames = [frame];
  g.location = {
    href: "https://duckduckgo.com/",
    origin: "https://duckduckgo.com",
    protocol: "https:",
    host: "duckduckgo.com",
    hostname: "duckduckgo.com",
    pathname: "/",
    search: "",
    hash: ""
  };
  g.__DDG_BE_VERSION__ = 1;
  g.__DDG_FE_CHAT_HASH__ = 1;
})(globalThis);
`

func installShims(vm *goja.Runtime, userAgent string) error {
	nav := vm.NewObject()
	props := map[string]any{
		"userAgent":           userAgent,
		"webdriver":           false,
		"language":            "en-US",
		"languages":           vm.NewArray("en-US", "en"),
		"platform":            "Win32",
		"vendor":              "Google Inc.",
		"cookieEnabled":       true,
		"hardwareConcurrency": 8,
		"maxTouchPoints":      0,
	}
	for k, v := range props {
		if err := nav.Set(k, v); err != nil {
			return fmt.Errorf("navigator.%s: %w", k, err)
		}
	}
	if err := vm.Set("navigator", nav); err != nil {
		return err
	}
	if _, err := vm.RunString(domShim); err != nil {
		return fmt.Errorf("install dom shim: %w", err)
	}
	return nil
}

// evaluate runs script and returns its completion value serialized by the VM's
// own JSON.stringify. A promise result must be fulfilled once the job queue
// has drained.
func evaluate(ctx context.Context, script, userAgent string, timeout time.Duration) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vm := goja.New()
	if err := installShims(vm, userAgent); err != nil {
		return nil, err
	}
	if timeout > 0 {
		t := time.AfterFunc(timeout, func() { vm.Interrupt(errScriptTimeout) })
		defer t.Stop()
	}
	stop := context.AfterFunc(ctx, func() { vm.Interrupt(ctx.Err()) })
	defer stop()

	v, err := vm.RunString(script)
	if err != nil {
		return nil, scriptError(err)
	}
	v, err = settle(v)
	if err != nil {
		return nil, err
	}
	stringify, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, errors.New("JSON.stringify unavailable")
	}
	out, err := stringify(goja.Undefined(), v)
	if err != nil {
		return nil, scriptError(err)
	}
	if out == nil || goja.IsUndefined(out) || goja.IsNull(out) {
		return nil, errors.New("script result is not serializable")
	}
	return []byte(out.String()), nil
}

func settle(v goja.Value) (goja.Value, error) {
	if v == nil {
		return nil, errors.New("script produced no value")
	}
	p, ok := v.Export().(*goja.Promise)
	if !ok {
		return v, nil
	}
	switch p.State() {
	case goja.PromiseStateFulfilled:
		return p.Result(), nil
	case goja.PromiseStateRejected:
		return nil, fmt.Errorf("script promise rejected: %v", p.Result())
	default:
		return nil, errors.New("script promise still pending")
	}
}

func scriptError(err error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok {
			return fmt.Errorf("script interrupted: %w", cause)
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	return fmt.Errorf("script failed: %w", err)
}
