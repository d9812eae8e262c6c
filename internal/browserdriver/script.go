package browser

// hookScript is injected once per document lifetime (idempotent via the
// window.__apHooked guard, the same guard shape the teacher used for
// window.__browsernerdHooked). It gives every extraction call a stable
// per-element key via a WeakMap, and arms the observers the perception
// engine's Watch polls for dirty triggers.
const hookScript = `
() => {
	const w = window;
	if (w.__apHooked) return true;
	w.__apHooked = true;

	w.__apKeys = new WeakMap();
	w.__apKeyCounter = 0;
	w.__apGetKey = (el) => {
		let k = w.__apKeys.get(el);
		if (!k) {
			k = 'k' + (w.__apKeyCounter++);
			w.__apKeys.set(el, k);
		}
		return k;
	};

	w.__apDirty = [];
	const mark = (trigger) => { w.__apDirty.push(trigger); };

	const mo = new MutationObserver(() => mark('mutation'));
	mo.observe(document.documentElement || document.body, {
		childList: true, subtree: true, attributes: true, characterData: true,
	});

	if (typeof ResizeObserver !== 'undefined') {
		const ro = new ResizeObserver(() => mark('resize'));
		ro.observe(document.documentElement || document.body);
	}

	if (typeof IntersectionObserver !== 'undefined') {
		const io = new IntersectionObserver(() => mark('intersection'), {
			threshold: [0, 0.25, 0.5, 0.75, 1],
		});
		io.observe(document.documentElement || document.body);
		w.__apIntersectionObserver = io;
	}

	document.addEventListener('scroll', () => mark('scroll'), true);
	window.addEventListener('resize', () => mark('window_resize'));

	return true;
}
`

// drainScript returns and clears the dirty-trigger buffer the hook script
// accumulates; polled every 50ms, mirroring the teacher's ticker-drain-buffer
// shape in its old event streaming loop, now retasked to drain observer
// triggers instead of UI events.
const drainScript = `
() => {
	const buf = Array.isArray(window.__apDirty) ? window.__apDirty : [];
	window.__apDirty = [];
	return buf;
}
`

// extractScript walks every element matching a broad interactive-candidate
// selector and returns the RawElement-shaped facts only a live DOM can
// answer; IsInteractive/IsVisible and everything derivable from these facts
// is computed in pure Go by internal/perception.
const extractScript = `
() => {
	const w = window;
	const getKey = w.__apGetKey || ((el) => el.outerHTML ? el.outerHTML.slice(0, 0) : '');

	const sel = 'a,button,input,select,textarea,summary,details,label,' +
		'[role],[tabindex],[onclick],[contenteditable]';
	const nodes = Array.from(document.querySelectorAll(sel));
	const vw = window.innerWidth;
	const vh = window.innerHeight;

	const labelText = (el) => {
		if (el.id) {
			const lbl = document.querySelector('label[for="' + CSS.escape(el.id) + '"]');
			if (lbl) return (lbl.innerText || lbl.textContent || '').trim();
		}
		const parentLabel = el.closest('label');
		if (parentLabel) return (parentLabel.innerText || parentLabel.textContent || '').trim();
		return '';
	};

	const labelledByText = (el) => {
		const ids = (el.getAttribute('aria-labelledby') || '').split(/\s+/).filter(Boolean);
		if (!ids.length) return '';
		return ids
			.map((id) => {
				const t = document.getElementById(id);
				return t ? (t.innerText || t.textContent || '').trim() : '';
			})
			.filter(Boolean)
			.join(' ');
	};

	const isUniqueID = (id) => {
		if (!id) return false;
		return document.querySelectorAll('#' + CSS.escape(id)).length === 1;
	};

	return nodes.map((el) => {
		const tag = (el.tagName || '').toLowerCase();
		const rect = el.getBoundingClientRect();
		const style = window.getComputedStyle(el);
		const dataAttrs = {};
		for (const { name, value } of Array.from(el.attributes || [])) {
			if (name.startsWith('data-')) dataAttrs[name.slice(5)] = value;
		}

		const form = el.closest('form');

		return {
			key: getKey(el),
			tag,
			type: (el.getAttribute('type') || '').toLowerCase(),
			htmlId: el.id || '',
			htmlIdIsUnique: isUniqueID(el.id),
			hasHref: el.hasAttribute('href'),
			href: el.getAttribute('href') || '',
			tabIndex: el.tabIndex || 0,
			hasTabIndex: el.hasAttribute('tabindex'),
			hasOnClick: el.hasAttribute('onclick') || typeof el.onclick === 'function',
			contentEditable: el.isContentEditable === true,
			hasForAttr: el.hasAttribute('for'),
			explicitRole: el.getAttribute('role') || '',
			multiple: el.hasAttribute('multiple'),

			ariaLabel: el.getAttribute('aria-label') || '',
			ariaLabelledByText: labelledByText(el),
			labelText: labelText(el),
			title: el.getAttribute('title') || '',
			placeholder: el.getAttribute('placeholder') || '',
			value: (typeof el.value === 'string') ? el.value : '',
			textContent: (el.innerText || el.textContent || '').trim(),

			rect: { x: Math.round(rect.x), y: Math.round(rect.y), w: Math.round(rect.width), h: Math.round(rect.height) },
			viewportW: vw,
			viewportH: vh,
			display: style.display,
			visibility: style.visibility,
			opacity: parseFloat(style.opacity),

			disabled: !!el.disabled,
			ariaDisabled: el.getAttribute('aria-disabled') === 'true',
			ariaExpanded: el.getAttribute('aria-expanded') === 'true',
			hasExpanded: el.hasAttribute('aria-expanded'),
			ariaChecked: el.getAttribute('aria-checked') === 'true',
			checked: !!el.checked,
			hasChecked: 'checked' in el,
			ariaSelected: el.getAttribute('aria-selected') === 'true',
			selected: !!el.selected,
			hasSelected: 'selected' in el,
			focused: document.activeElement === el,

			inModal: !!el.closest('[role="dialog"],[role="alertdialog"]'),
			inNav: !!el.closest('nav'),
			inForm: !!form,
			formId: form ? (form.id || '') : '',
			depth: (() => {
				let d = 0, n = el;
				while (n.parentElement) { d++; n = n.parentElement; }
				return d;
			})(),

			className: (typeof el.className === 'string') ? el.className : '',
			dataAttrs,
			backgroundColor: style.backgroundColor,
			textColor: style.color,
			cursorPointer: style.cursor === 'pointer',
		};
	});
}
`
