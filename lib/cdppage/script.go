package cdppage

import "fmt"

const (
	bindingName = "__jellyPartyVideoCallback__"
	videoIDAttr = "data-jelly-party-video-id"
)

// observerScript runs inside the page. It tags every video element with a
// stable id, reports document snapshots through the CDP binding whenever the
// DOM changes, and relays media events per element. Snapshots also repeat on
// a 1s interval to catch anything the MutationObserver missed.
const observerScript = `
(function() {
  if (window.__jellyPartyVideoSync__) return;
  window.__jellyPartyVideoSync__ = true;

  let idCounter = 0;
  function tag(el) {
    if (!el.dataset.jellyPartyVideoId) {
      el.dataset.jellyPartyVideoId = 'v' + (idCounter++);
    }
    return el.dataset.jellyPartyVideoId;
  }

  function describe(el) {
    const rect = el.getBoundingClientRect();
    return {
      id: tag(el),
      ready: el.readyState >= 1,
      paused: el.paused,
      currentTime: el.currentTime,
      duration: Number.isFinite(el.duration) ? el.duration : 0,
      area: Math.round(rect.width * rect.height),
      inDocument: el.isConnected
    };
  }

  function send(payload) {
    try {
      window.__jellyPartyVideoCallback__(JSON.stringify(payload));
    } catch (e) {
      // Binding may not be registered yet.
    }
  }

  function sendSnapshot() {
    const videos = Array.from(document.querySelectorAll('video')).map(describe);
    send({ kind: 'snapshot', url: location.href, videos: videos });
  }

  const hooked = new WeakSet();
  const EVENTS = ['play', 'pause', 'seeked', 'loadedmetadata', 'emptied'];
  function hook(el) {
    if (hooked.has(el)) return;
    hooked.add(el);
    for (const name of EVENTS) {
      el.addEventListener(name, function() {
        send({ kind: 'event', event: name, video: describe(el) });
      });
    }
  }

  function rescan() {
    document.querySelectorAll('video').forEach(hook);
    sendSnapshot();
  }

  let debounceTimer = null;
  function debouncedRescan() {
    if (debounceTimer) clearTimeout(debounceTimer);
    debounceTimer = setTimeout(rescan, 16);
  }

  const observer = new MutationObserver(debouncedRescan);
  function observe() {
    if (document.body) {
      observer.observe(document.body, { childList: true, subtree: true });
    }
  }
  observe();
  new MutationObserver(observe).observe(document.documentElement, { childList: true });

  setTimeout(rescan, 100);
  setInterval(sendSnapshot, 1000);
})();
`

func findVideoExpr(id string) string {
	return fmt.Sprintf(`document.querySelector('video[%s="%s"]')`, videoIDAttr, id)
}

func playExpr(id string) string {
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (!el) { throw new Error('video element gone'); }
  return el.play();
})()`, findVideoExpr(id))
}

func pauseExpr(id string) string {
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (el) { el.pause(); }
})()`, findVideoExpr(id))
}

func seekExpr(id string, seconds float64) string {
	return fmt.Sprintf(`(() => {
  const el = %s;
  if (el) { el.currentTime = %g; }
})()`, findVideoExpr(id), seconds)
}
