package browser

import (
	"encoding/json"
	"strings"

	"github.com/maltedev/stealth-crawler/internal/fingerprint"
)

const languagesPlaceholder = "__LANGUAGES__"

// initScript renders stealthScript for one page so navigator.languages
// agrees with the context locale and Accept-Language header.
func initScript(profile fingerprint.Profile) string {
	langs := profile.Languages
	if len(langs) == 0 {
		langs = fingerprint.Languages(profile.Locale)
	}
	encoded, err := json.Marshal(langs)
	if err != nil {
		encoded = []byte(`["en-US","en"]`)
	}
	return strings.Replace(stealthScript, languagesPlaceholder, string(encoded), 1)
}

// stealthScript runs in every document before page scripts. It hides the
// properties automation tooling exposes differently from a human-driven
// Chrome.
const stealthScript = `
(() => {
  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });

  const fakePlugins = [
    { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
    { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
    { name: 'Native Client', filename: 'internal-nacl-plugin', description: '' },
  ];
  Object.defineProperty(navigator, 'plugins', {
    get: () => {
      const list = fakePlugins.map(p => Object.assign(Object.create(Plugin.prototype), p));
      list.item = i => list[i];
      list.namedItem = n => list.find(p => p.name === n);
      list.refresh = () => {};
      return list;
    },
  });
  Object.defineProperty(navigator, 'mimeTypes', {
    get: () => {
      const list = [
        { type: 'application/pdf', suffixes: 'pdf', description: 'Portable Document Format' },
        { type: 'application/x-google-chrome-pdf', suffixes: 'pdf', description: 'Portable Document Format' },
      ].map(m => Object.assign(Object.create(MimeType.prototype), m));
      list.item = i => list[i];
      list.namedItem = n => list.find(m => m.type === n);
      return list;
    },
  });

  window.chrome = window.chrome || {};
  window.chrome.runtime = window.chrome.runtime || {
    connect: () => {},
    sendMessage: () => {},
    onMessage: { addListener: () => {}, removeListener: () => {} },
    id: undefined,
  };

  if (navigator.permissions && navigator.permissions.query) {
    const originalQuery = navigator.permissions.query.bind(navigator.permissions);
    navigator.permissions.query = (params) =>
      params && params.name === 'notifications'
        ? Promise.resolve({ state: Notification.permission, onchange: null })
        : originalQuery(params);
  }

  const languages = __LANGUAGES__;
  Object.defineProperty(navigator, 'languages', { get: () => languages.slice() });
  Object.defineProperty(navigator, 'language', { get: () => languages[0] });

  const cores = [4, 8, 12, 16][Math.floor(Math.random() * 4)];
  const memory = [4, 8, 16][Math.floor(Math.random() * 3)];
  Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => cores });
  Object.defineProperty(navigator, 'deviceMemory', { get: () => memory });

  const patchWebGL = (proto) => {
    if (!proto) return;
    const getParameter = proto.getParameter;
    proto.getParameter = function (param) {
      if (param === 37445) return 'Intel Inc.';
      if (param === 37446) return 'Intel Iris OpenGL Engine';
      return getParameter.call(this, param);
    };
  };
  patchWebGL(window.WebGLRenderingContext && WebGLRenderingContext.prototype);
  patchWebGL(window.WebGL2RenderingContext && WebGL2RenderingContext.prototype);

  const toDataURL = HTMLCanvasElement.prototype.toDataURL;
  HTMLCanvasElement.prototype.toDataURL = function (...args) {
    const ctx = this.getContext('2d');
    if (ctx && this.width > 0 && this.height > 0) {
      const img = ctx.getImageData(0, 0, 1, 1);
      img.data[0] = img.data[0] ^ 1;
      ctx.putImageData(img, 0, 0);
    }
    return toDataURL.apply(this, args);
  };

  Object.defineProperty(window, 'outerWidth', { get: () => window.innerWidth });
  Object.defineProperty(window, 'outerHeight', { get: () => window.innerHeight });
})();
`
