package script

// bodyIndent is the indentation of the operation body inside the skeleton's
// connected branch.
const bodyIndent = "        "

// skeletonHead precedes the operation body. The body runs with `font`
// bound to the active font and must assign `data`; it may set `message`,
// set `_mutated = True` after changing the font, and raise NotFound or
// CapabilityUnavailable.
const skeletonHead = `import fnmatch
import json
import sys
import traceback


class CapabilityUnavailable(Exception):
    pass


class NotFound(Exception):
    pass


def _fg(font):
    return getattr(font, "fgFont", None)


def _glyph(font, name):
    glyph = font.findGlyph(name)
    if glyph is None:
        raise NotFound("Glyph not found: %s" % name)
    return glyph


def _layer(glyph):
    layers = getattr(glyph, "layers", None)
    if not layers:
        return None
    return layers[0]


def _emit(payload):
    with open(sys.argv[-1], "w") as handle:
        json.dump(payload, handle, default=str)


_result = {"success": False, "error": "script did not complete", "category": "OperationError"}
try:
    from fontlab import flWorkspace

    font = flWorkspace.instance().currentFont()
    if font is None:
        _result = {"success": False, "error": "No font is currently open", "category": "NoActiveContextError"}
    else:
        _mutated = False
        data = None
        message = None
`

const skeletonTail = `
        if _mutated:
            font.update()
        _result = {"success": True, "data": data}
        if message:
            _result["message"] = message
except CapabilityUnavailable as e:
    _result = {"success": False, "error": str(e), "category": "CapabilityUnavailableError"}
except NotFound as e:
    _result = {"success": False, "error": str(e), "category": "NotFoundError"}
except Exception as e:
    _result = {"success": False, "error": str(e), "category": "OperationError", "traceback": traceback.format_exc()}
finally:
    _emit(_result)
`
